// logpublisher tails the systemd journal and publishes new entries to a
// ClearBlade MQTT broker, one message per systemd unit per polling cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/setevik/logpublisher/internal/broker"
	"github.com/setevik/logpublisher/internal/config"
	"github.com/setevik/logpublisher/internal/format"
	"github.com/setevik/logpublisher/internal/forwarder"
	"github.com/setevik/logpublisher/internal/platform"
	"github.com/setevik/logpublisher/internal/publish"
	"github.com/setevik/logpublisher/internal/store"
	"github.com/setevik/logpublisher/internal/watcher"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatus(os.Args[2:])
			return
		case "version":
			fmt.Println("logpublisher", version)
			return
		}
	}

	// Default: run daemon.
	runDaemon(os.Args[1:])
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("logpublisher", flag.ExitOnError)
	flags := config.RegisterFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("logpublisher", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log.Level)

	slog.Info("logpublisher starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"broker", cfg.BrokerAddr(),
		"request_topic_root", cfg.Broker.RequestTopicRoot,
		"response_topic_root", cfg.Broker.ResponseTopicRoot,
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers file, environment and flags, then validates.
func loadConfig(flags *config.Flags) (*config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var recorder publish.Recorder
	db, err := openStats(cfg)
	if err != nil {
		slog.Warn("delivery stats disabled", "path", cfg.DBPath(), "error", err)
	} else {
		defer db.Close()
		recorder = store.NewRecorder(db, cfg.Instance.ID)
	}

	sess, err := platform.NewAuthenticator(cfg).Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("establishing session: %w", err)
	}

	if cfg.Log.MQTT {
		broker.EnableClientLogging()
	}
	client := broker.New(cfg, sess)
	defer client.Close()

	// Start tailing before connecting so entries written while the broker
	// handshake is in flight are not lost.
	src := watcher.NewPipeSource(watcher.PipeOptions{
		MaxPriority: cfg.Journal.MaxPriority,
		Units:       cfg.Journal.Units,
	})
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("starting journal watcher: %w", err)
	}
	defer src.Close()

	fwd := forwarder.New(src, client, forwarder.Options{
		PollTimeout: cfg.Journal.PollTimeout.Duration,
		Recorder:    recorder,
		OnCycle:     newServiceNotifier().cycle,
	})

	err = fwd.Run(ctx)
	sdNotify("STOPPING=1")
	if err != nil {
		return err
	}

	slog.Info("shutting down")
	return nil
}

func openStats(cfg *config.Config) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	if cfg.DB.Retention.Duration > 0 {
		purged, err := db.Purge(cfg.DB.Retention.Duration)
		if err != nil {
			slog.Warn("failed to purge old deliveries", "error", err)
		} else if purged > 0 {
			slog.Info("purged old deliveries", "count", purged, "retention", cfg.DB.Retention.Duration)
		}
	}
	return db, nil
}

// --- status subcommand ---

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	setupLogging("error")

	fmt.Printf("Instance:     %s\n", cfg.Instance.ID)
	fmt.Printf("Broker:       %s\n", cfg.BrokerAddr())

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	last, err := db.Query(store.QueryFilter{Limit: 1})
	if err == nil && len(last) > 0 {
		dl := last[0]
		ago := time.Since(dl.Timestamp).Truncate(time.Second)
		outcome := "ok"
		if dl.Error != "" {
			outcome = "failed: " + dl.Error
		}
		fmt.Printf("Last publish: %s (%s) %s ago, %s\n",
			dl.Topic, format.Count(int64(dl.Messages), "entry", "entries"), formatDuration(ago), outcome)
	} else {
		fmt.Println("Last publish: none")
	}

	totals, err := db.Totals(time.Now().Add(-24 * time.Hour))
	if err != nil {
		fmt.Fprintf(os.Stderr, "query error: %v\n", err)
		os.Exit(1)
	}
	if len(totals) == 0 {
		fmt.Println("Topics (24h): none")
	} else {
		fmt.Println("Topics (24h):")
		for _, t := range totals {
			line := fmt.Sprintf("  %-24s %s, %s, %s",
				t.Topic,
				format.Count(t.Deliveries, "delivery", "deliveries"),
				format.Count(t.Messages, "entry", "entries"),
				format.Bytes(t.Bytes),
			)
			if t.Failures > 0 {
				line += fmt.Sprintf(", %d failed", t.Failures)
			}
			fmt.Println(line)
		}
	}

	count, _ := db.Count()
	fmt.Printf("DB deliveries: %d total\n", count)
	fmt.Printf("DB path:       %s\n", cfg.DBPath())
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}

// --- sd_notify support ---

// serviceNotifier reports readiness after the first poll and pings the
// systemd watchdog from the forwarding loop.
type serviceNotifier struct {
	ready    bool
	interval time.Duration
	lastPing time.Time
}

func newServiceNotifier() *serviceNotifier {
	n := &serviceNotifier{}
	if wd := watchdogInterval(); wd > 0 {
		// Ping at half the watchdog interval.
		n.interval = wd / 2
		slog.Info("systemd watchdog enabled", "interval", wd)
	}
	return n
}

func (n *serviceNotifier) cycle() {
	if !n.ready {
		sdNotify("READY=1")
		n.ready = true
	}
	if n.interval > 0 && time.Since(n.lastPing) >= n.interval {
		sdNotify("WATCHDOG=1")
		n.lastPing = time.Now()
	}
}

// sdNotify sends a notification to systemd via the NOTIFY_SOCKET.
// This is a minimal implementation that doesn't require a C dependency.
func sdNotify(state string) {
	socketAddr := os.Getenv("NOTIFY_SOCKET")
	if socketAddr == "" {
		return
	}

	conn, err := net.Dial("unixgram", socketAddr)
	if err != nil {
		slog.Debug("sd_notify: failed to connect", "error", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Debug("sd_notify: failed to send", "error", err)
	}
}

// watchdogInterval reads WATCHDOG_USEC from the environment and returns the
// watchdog interval as a time.Duration. Returns 0 if not set.
func watchdogInterval() time.Duration {
	usecStr := os.Getenv("WATCHDOG_USEC")
	if usecStr == "" {
		return 0
	}
	var usec int64
	if _, err := fmt.Sscanf(usecStr, "%d", &usec); err != nil {
		return 0
	}
	return time.Duration(usec) * time.Microsecond
}

// --- utilities ---

func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error", "critical":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
