package config

import (
	"flag"
	"strings"
)

// Flags holds command-line overrides. Only flags present on the command
// line are applied, so file and environment values survive flag defaults.
type Flags struct {
	fs *flag.FlagSet

	ConfigPath string

	systemKey           string
	systemSecret        string
	deviceID            string
	activeKey           string
	serviceAccount      string
	serviceAccountToken string
	httpURL             string
	httpPort            int
	messagingURL        string
	messagingPort       int
	requestTopicRoot    string
	responseTopicRoot   string
	logLevel            string
	logCB               bool
	logMQTT             bool
}

// RegisterFlags defines the adapter flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()

	fs.StringVar(&f.ConfigPath, "config", "", "path to config file")
	fs.StringVar(&f.systemKey, "systemKey", "", "system key of the ClearBlade system to connect to")
	fs.StringVar(&f.systemSecret, "systemSecret", "", "system secret of the ClearBlade system to connect to")
	fs.StringVar(&f.deviceID, "deviceID", "", "device name used to authenticate against the platform or edge")
	fs.StringVar(&f.activeKey, "activeKey", "", "active key of the device")
	fs.StringVar(&f.serviceAccount, "cb_service_account", "", "device service account name")
	fs.StringVar(&f.serviceAccountToken, "cb_service_account_token", "", "device service account token")
	fs.StringVar(&f.httpURL, "httpUrl", d.Platform.HTTPURL, "HTTP URL of the platform or edge")
	fs.IntVar(&f.httpPort, "httpPort", d.Platform.HTTPPort, "HTTP port of the platform or edge")
	fs.StringVar(&f.messagingURL, "messagingUrl", d.Broker.MessagingURL, "MQTT host of the platform or edge")
	fs.IntVar(&f.messagingPort, "messagingPort", d.Broker.MessagingPort, "MQTT port of the platform or edge")
	fs.StringVar(&f.requestTopicRoot, "requestTopicRoot", d.Broker.RequestTopicRoot, "topic root for command requests")
	fs.StringVar(&f.responseTopicRoot, "responseTopicRoot", d.Broker.ResponseTopicRoot, "topic root for command responses")
	fs.StringVar(&f.logLevel, "logLevel", d.Log.Level, "log level: debug, info, warn, error")
	fs.BoolVar(&f.logCB, "logCB", false, "log platform HTTP calls")
	fs.BoolVar(&f.logMQTT, "logMQTT", false, "log MQTT client internals")

	return f
}

// ApplyFlags overlays the flags that were set explicitly.
func (c *Config) ApplyFlags(f *Flags) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "systemKey":
			c.Platform.SystemKey = f.systemKey
		case "systemSecret":
			c.Platform.SystemSecret = f.systemSecret
		case "deviceID":
			c.Auth.DeviceID = f.deviceID
		case "activeKey":
			c.Auth.ActiveKey = f.activeKey
		case "cb_service_account":
			c.Auth.ServiceAccount = f.serviceAccount
		case "cb_service_account_token":
			c.Auth.ServiceAccountToken = f.serviceAccountToken
		case "httpUrl":
			c.Platform.HTTPURL = f.httpURL
		case "httpPort":
			c.Platform.HTTPPort = f.httpPort
		case "messagingUrl":
			c.Broker.MessagingURL = f.messagingURL
		case "messagingPort":
			c.Broker.MessagingPort = f.messagingPort
		case "requestTopicRoot":
			c.Broker.RequestTopicRoot = f.requestTopicRoot
		case "responseTopicRoot":
			c.Broker.ResponseTopicRoot = f.responseTopicRoot
		case "logLevel":
			c.Log.Level = strings.ToLower(f.logLevel)
		case "logCB":
			c.Log.CB = f.logCB
		case "logMQTT":
			c.Log.MQTT = f.logMQTT
		}
	})
}
