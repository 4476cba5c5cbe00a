// Package power measures the battery through a switched voltage divider.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/mailbox-notifier/internal/hal"
)

// Calibration describes the analog front end and the cell's usable range.
type Calibration struct {
	// FullScaleVoltage is the ADC input voltage at the maximum raw value.
	FullScaleVoltage float64
	ResolutionBits   int
	// DividerRatio scales the ADC input back to the battery voltage.
	DividerRatio float64
	MinVoltage   float64
	MaxVoltage   float64
}

// DefaultCalibration is a 1S LiPo behind a 2.2k/6.9k divider sampled at
// 12 bits with 11 dB attenuation.
func DefaultCalibration() Calibration {
	return Calibration{
		FullScaleVoltage: 3.9,
		ResolutionBits:   12,
		DividerRatio:     1.319,
		MinVoltage:       3.2,
		MaxVoltage:       4.2,
	}
}

// MaxRaw returns the largest raw sample at the configured resolution.
func (c Calibration) MaxRaw() int {
	return 1<<c.ResolutionBits - 1
}

// Reading is one battery measurement.
type Reading struct {
	Raw        int
	Voltage    float64
	Percentage float64
}

// String formats the reading for the notification body.
func (r Reading) String() string {
	return fmt.Sprintf("Battery: %.2fV (%.2f%%)", r.Voltage, r.Percentage)
}

// Convert turns a raw sample into battery voltage and charge percentage.
// The percentage is clamped to [0, 100].
func Convert(raw int, cal Calibration) Reading {
	adcVoltage := float64(raw) / float64(cal.MaxRaw()) * cal.FullScaleVoltage
	voltage := adcVoltage * cal.DividerRatio

	pct := (voltage - cal.MinVoltage) / (cal.MaxVoltage - cal.MinVoltage) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	return Reading{Raw: raw, Voltage: voltage, Percentage: pct}
}

// Config holds the pins and timing of the measurement circuit.
type Config struct {
	EnablePin   hal.Pin
	SensePin    hal.Pin
	SettleDelay time.Duration
	Attenuation hal.Attenuation
	Calibration Calibration
}

// Controller switches the divider on, samples it and switches it off.
type Controller struct {
	cfg    Config
	gpio   hal.GPIO
	adc    hal.ADC
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewController creates a Controller. A nil logger uses slog.Default().
func NewController(cfg Config, gpio hal.GPIO, adc hal.ADC, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		gpio:   gpio,
		adc:    adc,
		logger: logger,
		sleep:  sleepContext,
	}
}

// MeasureBattery takes one reading. Hardware errors are logged and the
// sample counts as 0, which clamps to 0 %. The enable pin is always driven
// low again before returning.
func (c *Controller) MeasureBattery(ctx context.Context) Reading {
	if err := c.gpio.ConfigureOutput(c.cfg.EnablePin); err != nil {
		c.logger.Warn("failed to configure battery enable pin", "pin", c.cfg.EnablePin, "error", err)
	}
	if err := c.gpio.ConfigureInput(c.cfg.SensePin); err != nil {
		c.logger.Warn("failed to configure battery sense pin", "pin", c.cfg.SensePin, "error", err)
	}
	if err := c.gpio.Set(c.cfg.EnablePin, hal.High); err != nil {
		c.logger.Warn("failed to enable battery circuit", "error", err)
	}
	defer func() {
		if err := c.gpio.Set(c.cfg.EnablePin, hal.Low); err != nil {
			c.logger.Warn("failed to disable battery circuit", "error", err)
		}
	}()

	c.sleep(ctx, c.cfg.SettleDelay)

	if err := c.adc.Configure(c.cfg.Calibration.ResolutionBits, c.cfg.Attenuation); err != nil {
		c.logger.Warn("failed to configure adc", "error", err)
	}

	raw, err := c.adc.Read(c.cfg.SensePin)
	if err != nil {
		c.logger.Warn("battery sample failed", "error", err)
		raw = 0
	}

	r := Convert(raw, c.cfg.Calibration)
	c.logger.Info("battery measured",
		"raw", r.Raw,
		"voltage", fmt.Sprintf("%.2f", r.Voltage),
		"percentage", fmt.Sprintf("%.2f", r.Percentage),
	)
	return r
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
