// Package main is the entry point for the mailbox notifier. Each invocation
// runs one wake cycle and ends by putting the board to sleep.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/mailbox-notifier/internal/clock"
	"github.com/shineum/mailbox-notifier/internal/config"
	"github.com/shineum/mailbox-notifier/internal/cycle"
	"github.com/shineum/mailbox-notifier/internal/hal"
	"github.com/shineum/mailbox-notifier/internal/hal/linux"
	"github.com/shineum/mailbox-notifier/internal/hal/stub"
	"github.com/shineum/mailbox-notifier/internal/metrics"
	"github.com/shineum/mailbox-notifier/internal/network"
	"github.com/shineum/mailbox-notifier/internal/notify"
	"github.com/shineum/mailbox-notifier/internal/power"
	"github.com/shineum/mailbox-notifier/internal/provider"
	"github.com/shineum/mailbox-notifier/internal/provider/graph"
	"github.com/shineum/mailbox-notifier/internal/provider/ses"
	"github.com/shineum/mailbox-notifier/internal/provider/smtp"
	"github.com/shineum/mailbox-notifier/internal/provider/stdout"
	"github.com/shineum/mailbox-notifier/internal/retention"
	mailtls "github.com/shineum/mailbox-notifier/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	wakeLevel, err := hal.ParseLevel(cfg.Device.WakeLevel)
	if err != nil {
		slog.Error("invalid wake level", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	board := selectBoard(cfg)
	mail := selectProvider(ctx, cfg)

	deps := cycle.Deps{
		Board:   board,
		Counter: retention.NewCounter(retention.NewFileStore(cfg.Retention.Path)),
		Network: network.NewConnector(board, cfg.Wifi.PollInterval, cfg.Wifi.Timeout, slog.Default()),
		Clock: clock.NewSynchronizer(clock.Config{
			Servers: cfg.Clock.Servers,
			Offset:  cfg.Clock.Offset,
			Timeout: cfg.Clock.Timeout,
		}, slog.Default()),
		Composer: notify.NewComposer(notify.Identity{
			SenderName:     cfg.Mail.SenderName,
			SenderEmail:    cfg.Mail.From,
			RecipientName:  cfg.Mail.RecipientName,
			RecipientEmail: cfg.Mail.To,
			Subject:        cfg.Mail.Subject,
		}, cfg.Mail.Domain),
		Mail: mail,
	}
	if cfg.Battery.Enabled {
		deps.Battery = power.NewController(power.Config{
			EnablePin:   hal.Pin(cfg.Battery.EnablePin),
			SensePin:    hal.Pin(cfg.Battery.SensePin),
			SettleDelay: cfg.Battery.SettleDelay,
			Attenuation: hal.Attenuation(cfg.Battery.Attenuation),
			Calibration: power.Calibration{
				FullScaleVoltage: cfg.Battery.FullScaleVoltage,
				ResolutionBits:   cfg.Battery.ResolutionBits,
				DividerRatio:     cfg.Battery.DividerRatio,
				MinVoltage:       cfg.Battery.MinVoltage,
				MaxVoltage:       cfg.Battery.MaxVoltage,
			},
		}, board, board, slog.Default())
	}
	if cfg.Metrics.Textfile != "" {
		deps.Metrics = metrics.New(cfg.Metrics.Textfile)
	}

	slog.Info("starting mailbox-notifier",
		"board", board.Name(),
		"provider", mail.Name(),
		"battery", cfg.Battery.Enabled,
		"wake_pin", cfg.Device.WakePin,
		"wake_level", wakeLevel,
	)

	runner := cycle.New(cycle.Config{
		WakePin:      hal.Pin(cfg.Device.WakePin),
		WakeLevel:    wakeLevel,
		SSID:         cfg.Wifi.SSID,
		WifiPassword: cfg.Wifi.Password,
		MailTimeout:  cfg.Mail.Timeout,
	}, deps, slog.Default())

	rep := runner.Run(ctx)

	failed := rep.FailedSteps()
	slog.Info("cycle finished",
		"cycle_id", rep.CycleID,
		"boot", rep.BootCount,
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"failed_steps", strings.Join(failed, ","),
		"duration", rep.Duration,
	)

	if rep.SleepErr != nil || rep.Delivered == 0 {
		os.Exit(1)
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger. Text goes to stderr so the
// stdout provider's output stays readable; json goes to stdout.
func setupLogger(level, format string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// selectBoard returns the hardware driver named by device.driver.
func selectBoard(cfg *config.Config) hal.Board {
	if cfg.Device.Driver == "linux" {
		slog.Info("using linux board", "interface", cfg.Device.Interface)
		return linux.New(linux.Config{
			GPIORoot:       cfg.Device.GPIORoot,
			IIODevice:      cfg.Device.IIODevice,
			Interface:      cfg.Device.Interface,
			WirelessStats:  cfg.Device.WirelessStats,
			SuspendCommand: cfg.Device.SuspendCommand,
		})
	}
	slog.Info("using stub board")
	return stub.New()
}

// selectProvider chooses the mail transport. Validate has already checked
// that the chosen provider is configured.
func selectProvider(ctx context.Context, cfg *config.Config) provider.Provider {
	switch cfg.ProviderName() {
	case "smtp":
		tlsConfig, err := mailtls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile, cfg.SMTP.InsecureSkipVerify)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		slog.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls_mode", cfg.SMTP.TLSMode,
			"auth_enabled", cfg.SMTP.Username != "",
		)
		return smtp.New(smtp.Config{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			Username:      cfg.SMTP.Username,
			Password:      cfg.SMTP.Password,
			TLSMode:       smtp.TLSMode(cfg.SMTP.TLSMode),
			TLSConfig:     tlsConfig,
			Timeout:       cfg.Mail.Timeout,
			LocalName:     cfg.SMTP.LocalName,
			AuthMechanism: cfg.SMTP.AuthMechanism,
		}, slog.Default())

	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}, slog.Default())
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case "graph":
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
			Timeout:      cfg.Mail.Timeout,
		}, slog.Default())

	default:
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()
	}
}
