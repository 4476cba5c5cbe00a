// Package cycle runs one wake cycle: count the boot, arm the wake source,
// join the network, read time and battery, send the notification and sleep.
package cycle

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailbox-notifier/internal/clock"
	"github.com/shineum/mailbox-notifier/internal/email"
	"github.com/shineum/mailbox-notifier/internal/hal"
	"github.com/shineum/mailbox-notifier/internal/metrics"
	"github.com/shineum/mailbox-notifier/internal/notify"
	"github.com/shineum/mailbox-notifier/internal/power"
	"github.com/shineum/mailbox-notifier/internal/provider"
	"github.com/shineum/mailbox-notifier/internal/wake"
)

const defaultMailTimeout = 60 * time.Second

// BootCounter advances the retained wake counter.
type BootCounter interface {
	Advance() (int, error)
}

// BatteryMeter takes one battery reading.
type BatteryMeter interface {
	MeasureBattery(ctx context.Context) power.Reading
}

// NetworkConnector joins the wireless network.
type NetworkConnector interface {
	Connect(ctx context.Context, ssid, password string) (netip.Addr, error)
}

// TimeSource obtains the current time.
type TimeSource interface {
	Sync(ctx context.Context) clock.Timestamp
}

// Composer builds the notification.
type Composer interface {
	Compose(in notify.Input) *email.Message
}

// Publisher receives the cycle statistics.
type Publisher interface {
	Publish(s metrics.CycleStats) error
}

// Config holds the per-deployment settings of a cycle.
type Config struct {
	WakePin      hal.Pin
	WakeLevel    hal.Level
	SSID         string
	WifiPassword string
	// MailTimeout bounds connect plus send.
	MailTimeout time.Duration
}

// Deps are the components a Runner drives. Battery and Metrics may be nil.
type Deps struct {
	Board    hal.Board
	Counter  BootCounter
	Battery  BatteryMeter
	Network  NetworkConnector
	Clock    TimeSource
	Composer Composer
	Mail     provider.Provider
	Metrics  Publisher
}

// Report summarizes what one cycle did. Step errors are kept; none of them
// stops the cycle from reaching sleep.
type Report struct {
	CycleID   string
	BootCount int
	IP        netip.Addr
	Timestamp clock.Timestamp
	// Battery is nil when measurement is disabled or was skipped.
	Battery *power.Reading
	RSSI    int

	MailLoggedIn  bool
	SendAttempted bool
	Delivered     int
	Failed        int

	RetentionErr error
	WakeErr      error
	NetworkErr   error
	MailErr      error
	MetricsErr   error
	SleepErr     error

	Duration time.Duration
	Slept    bool
}

// FailedSteps lists the metrics step names of every failed step.
func (r *Report) FailedSteps() []string {
	var steps []string
	add := func(err error, step string) {
		if err != nil {
			steps = append(steps, step)
		}
	}
	add(r.RetentionErr, metrics.StepRetention)
	add(r.WakeErr, metrics.StepWake)
	add(r.NetworkErr, metrics.StepNetwork)
	if r.NetworkErr == nil && !r.Timestamp.OK {
		steps = append(steps, metrics.StepClock)
	}
	if r.SendAttempted && !r.MailLoggedIn {
		steps = append(steps, metrics.StepMailAuth)
	}
	var pe *provider.Error
	if errors.As(r.MailErr, &pe) && pe.Stage == provider.StageConnect {
		steps = append(steps, metrics.StepMailConn)
	} else if r.MailErr != nil {
		steps = append(steps, metrics.StepMailSend)
	}
	return steps
}

// Runner executes wake cycles.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// New creates a Runner.
func New(cfg Config, deps Deps, logger *slog.Logger) *Runner {
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = defaultMailTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Run executes one cycle and always ends by entering deep sleep. On real
// hardware Run does not return.
func (r *Runner) Run(ctx context.Context) *Report {
	start := r.now()
	rep := &Report{CycleID: r.newID()}
	logger := r.logger.With("cycle_id", rep.CycleID)

	count, err := r.deps.Counter.Advance()
	rep.BootCount = count
	if err != nil {
		rep.RetentionErr = err
		logger.Warn("boot counter degraded", "error", err)
	}
	logger = logger.With("boot", count)
	logger.Info("woke up", "boot_number", count, "board", r.deps.Board.Name())

	if err := wake.Arm(r.deps.Board, r.cfg.WakePin, r.cfg.WakeLevel); err != nil {
		rep.WakeErr = err
		logger.Error("failed to arm wake source", "error", err)
	}

	ip, err := r.deps.Network.Connect(ctx, r.cfg.SSID, r.cfg.WifiPassword)
	if err != nil {
		rep.NetworkErr = err
		logger.Error("wifi connect failed, skipping notification", "error", err)
	} else {
		rep.IP = ip
		rep.Timestamp = r.deps.Clock.Sync(ctx)
	}

	if r.deps.Battery != nil {
		reading := r.deps.Battery.MeasureBattery(ctx)
		rep.Battery = &reading
		logger.Info("battery measured",
			"raw", reading.Raw,
			"voltage", reading.Voltage,
			"percent", reading.Percentage,
		)
	}

	if rep.NetworkErr == nil {
		rep.RSSI = r.deps.Board.RSSI()
		in := notify.Input{
			BootCount: count,
			Timestamp: rep.Timestamp.Text,
			RSSI:      rep.RSSI,
		}
		if rep.Battery != nil {
			in.BatteryText = rep.Battery.String()
		}
		r.deliver(ctx, r.deps.Composer.Compose(in), rep, logger)
	}

	rep.Duration = r.now().Sub(start)
	r.publish(rep, logger)

	// Sleep must happen even when ctx was cancelled.
	if err := wake.Sleep(context.WithoutCancel(ctx), r.deps.Board, logger); err != nil {
		rep.SleepErr = err
		logger.Error("failed to enter deep sleep", "error", err)
	}
	rep.Slept = true
	return rep
}

// deliver connects the mail transport and sends msg. A connect failure skips
// the send.
func (r *Runner) deliver(ctx context.Context, msg *email.Message, rep *Report, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MailTimeout)
	defer cancel()

	mail := r.deps.Mail
	sess, err := mail.Connect(ctx)
	if err != nil {
		rep.MailErr = err
		attrs := []any{"provider", mail.Name(), "error", err}
		var pe *provider.Error
		if errors.As(err, &pe) {
			attrs = append(attrs, "status_code", pe.Code, "error_code", pe.ErrorCode, "reason", pe.Reason)
		}
		logger.Error("mail connect failed", attrs...)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("mail session close failed", "error", err)
		}
	}()

	rep.MailLoggedIn = sess.LoggedIn()
	if rep.MailLoggedIn {
		logger.Info("mail login successful", "provider", mail.Name())
	} else {
		logger.Warn("mail login failed, attempting send anyway", "provider", mail.Name())
	}

	rep.SendAttempted = true
	status, err := sess.Send(ctx, msg)
	if status != nil {
		rep.Delivered = status.CompletedCount()
		rep.Failed = status.FailedCount()
		status.Report(logger)
	}
	if err != nil {
		rep.MailErr = err
		logger.Error("mail send failed", "provider", mail.Name(), "error", err)
	}
}

func (r *Runner) publish(rep *Report, logger *slog.Logger) {
	if r.deps.Metrics == nil {
		return
	}
	stats := metrics.CycleStats{
		BootCount:   rep.BootCount,
		RSSI:        rep.RSSI,
		TimeSynced:  rep.Timestamp.OK,
		Delivered:   rep.Delivered,
		Failed:      rep.Failed,
		FailedSteps: rep.FailedSteps(),
		Duration:    rep.Duration,
		Finished:    r.now(),
	}
	if rep.Battery != nil {
		stats.HasBattery = true
		stats.BatteryVolts = rep.Battery.Voltage
		stats.BatteryPercent = rep.Battery.Percentage
	}
	if err := r.deps.Metrics.Publish(stats); err != nil {
		rep.MetricsErr = err
		logger.Warn("failed to publish metrics", "error", err)
	}
}
