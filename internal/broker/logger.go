package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// slogLogger adapts slog to the paho logger interface.
type slogLogger struct {
	level slog.Level
}

func (l slogLogger) Println(v ...interface{}) {
	l.log(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l slogLogger) Printf(format string, v ...interface{}) {
	l.log(fmt.Sprintf(format, v...))
}

func (l slogLogger) log(msg string) {
	slog.Log(context.Background(), l.level, msg, "component", "mqtt")
}

// EnableClientLogging routes the MQTT client's internal logs to slog.
func EnableClientLogging() {
	mqtt.CRITICAL = slogLogger{level: slog.LevelError}
	mqtt.ERROR = slogLogger{level: slog.LevelError}
	mqtt.WARN = slogLogger{level: slog.LevelWarn}
	mqtt.DEBUG = slogLogger{level: slog.LevelDebug}
}
