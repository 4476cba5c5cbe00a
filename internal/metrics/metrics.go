// Package metrics records the outcome of a wake cycle as Prometheus gauges.
// The process lives for one cycle only, so values are published by writing
// a node-exporter textfile rather than serving /metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailbox"

// Steps that can fail during a cycle, used as the "step" label.
const (
	StepRetention = "retention"
	StepWake      = "wake"
	StepNetwork   = "network"
	StepClock     = "clock"
	StepMailAuth  = "mail_auth"
	StepMailConn  = "mail_connect"
	StepMailSend  = "mail_send"
	StepSleep     = "sleep"
)

// CycleStats is what one cycle reports.
type CycleStats struct {
	BootCount      int
	HasBattery     bool
	BatteryVolts   float64
	BatteryPercent float64
	RSSI           int
	TimeSynced     bool
	Delivered      int
	Failed         int
	FailedSteps    []string
	Duration       time.Duration
	Finished       time.Time
}

// Recorder owns a private registry with the cycle gauges.
type Recorder struct {
	reg      *prometheus.Registry
	textfile string

	bootCount      prometheus.Gauge
	batteryVolts   prometheus.Gauge
	batteryPercent prometheus.Gauge
	rssi           prometheus.Gauge
	timeSynced     prometheus.Gauge
	recipients     *prometheus.GaugeVec
	stepFailures   *prometheus.GaugeVec
	duration       prometheus.Gauge
	lastCycle      prometheus.Gauge
}

// New creates a Recorder. When textfile is set, Publish writes the registry
// to that path in the text exposition format.
func New(textfile string) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg:      reg,
		textfile: textfile,
		bootCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boot_count",
			Help:      "Wake cycles since the retained counter was last reset.",
		}),
		batteryVolts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_volts",
			Help:      "Battery voltage measured in the last cycle.",
		}),
		batteryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Battery charge estimate in the last cycle.",
		}),
		rssi: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wifi_rssi_dbm",
			Help:      "Received signal strength at compose time.",
		}),
		timeSynced: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "time_synced",
			Help:      "1 if network time was obtained in the last cycle.",
		}),
		recipients: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_recipients",
			Help:      "Recipients per delivery outcome in the last cycle.",
		}, []string{"status"}),
		stepFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_failed",
			Help:      "1 if the cycle step failed in the last cycle.",
		}, []string{"step"}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from wake to sleep entry.",
		}),
		lastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Observe sets the gauges from s.
func (r *Recorder) Observe(s CycleStats) {
	r.bootCount.Set(float64(s.BootCount))
	if s.HasBattery {
		r.batteryVolts.Set(s.BatteryVolts)
		r.batteryPercent.Set(s.BatteryPercent)
	}
	r.rssi.Set(float64(s.RSSI))
	r.timeSynced.Set(boolToFloat(s.TimeSynced))
	r.recipients.WithLabelValues("delivered").Set(float64(s.Delivered))
	r.recipients.WithLabelValues("failed").Set(float64(s.Failed))

	r.stepFailures.Reset()
	for _, step := range s.FailedSteps {
		r.stepFailures.WithLabelValues(step).Set(1)
	}

	r.duration.Set(s.Duration.Seconds())
	if !s.Finished.IsZero() {
		r.lastCycle.Set(float64(s.Finished.Unix()))
	}
}

// Publish observes s and writes the textfile if one is configured.
func (r *Recorder) Publish(s CycleStats) error {
	r.Observe(s)
	if r.textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
