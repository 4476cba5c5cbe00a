// Package stub implements a simulated board for host-side runs and tests.
package stub

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/shineum/mailbox-notifier/internal/hal"
)

// WakeArm records one EnableExtWakeup call.
type WakeArm struct {
	Pin   hal.Pin
	Level hal.Level
}

// Option configures a Driver.
type Option func(*Driver)

// WithRawSample sets the value every ADC read returns.
func WithRawSample(raw int) Option { return func(d *Driver) { d.raw = raw } }

// WithReadError makes every ADC read fail.
func WithReadError(err error) Option { return func(d *Driver) { d.readErr = err } }

// WithRSSI sets the reported signal strength.
func WithRSSI(rssi int) Option { return func(d *Driver) { d.rssi = rssi } }

// WithIP sets the address reported once connected.
func WithIP(ip netip.Addr) Option { return func(d *Driver) { d.ip = ip } }

// WithConnectAfter makes the radio report connected after n status polls.
// A negative n keeps the radio disconnected forever.
func WithConnectAfter(n int) Option { return func(d *Driver) { d.connectAfter = n } }

// WithSleepError makes DeepSleep fail.
func WithSleepError(err error) Option { return func(d *Driver) { d.sleepErr = err } }

// Driver is a simulated board. It records every hardware interaction in
// order so tests can assert sequencing.
type Driver struct {
	mu sync.Mutex

	raw          int
	readErr      error
	rssi         int
	ip           netip.Addr
	connectAfter int
	sleepErr     error

	polls      int
	ssid       string
	levels     map[hal.Pin]hal.Level
	outputs    map[hal.Pin]bool
	adcBits    int
	adcAtten   hal.Attenuation
	wake       []WakeArm
	sleepCalls int
	events     []string
}

// New creates a stub board with a mid-range battery sample, -60 dBm signal
// and immediate association.
func New(opts ...Option) *Driver {
	d := &Driver{
		raw:     3000,
		rssi:    -60,
		ip:      netip.MustParseAddr("192.168.4.2"),
		levels:  make(map[hal.Pin]hal.Level),
		outputs: make(map[hal.Pin]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return "stub" }

func (d *Driver) record(format string, args ...any) {
	d.events = append(d.events, fmt.Sprintf(format, args...))
}

func (d *Driver) ConfigureOutput(pin hal.Pin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs[pin] = true
	d.record("gpio %d output", pin)
	return nil
}

func (d *Driver) ConfigureInput(pin hal.Pin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs[pin] = false
	d.record("gpio %d input", pin)
	return nil
}

func (d *Driver) Set(pin hal.Pin, level hal.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.outputs[pin] {
		return fmt.Errorf("gpio %d is not configured as output", pin)
	}
	d.levels[pin] = level
	d.record("gpio %d %s", pin, level)
	return nil
}

func (d *Driver) Configure(resolutionBits int, atten hal.Attenuation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adcBits = resolutionBits
	d.adcAtten = atten
	d.record("adc %dbit %ddB", resolutionBits, atten)
	return nil
}

func (d *Driver) Read(pin hal.Pin) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("adc read %d", pin)
	if d.readErr != nil {
		return 0, d.readErr
	}
	return d.raw, nil
}

func (d *Driver) Begin(ssid, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ssid = ssid
	d.polls = 0
	d.record("wifi begin %s", ssid)
	return nil
}

func (d *Driver) Status() hal.RadioStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ssid == "" {
		return hal.RadioIdle
	}
	if d.connectAfter < 0 {
		d.polls++
		return hal.RadioConnecting
	}
	if d.polls >= d.connectAfter {
		return hal.RadioConnected
	}
	d.polls++
	return hal.RadioConnecting
}

func (d *Driver) LocalIP() netip.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ip
}

func (d *Driver) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi
}

func (d *Driver) EnableExtWakeup(pin hal.Pin, level hal.Level) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wake = append(d.wake, WakeArm{Pin: pin, Level: level})
	d.record("wake %d %s", pin, level)
	return nil
}

func (d *Driver) DeepSleep(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleepCalls++
	d.record("deep sleep")
	return d.sleepErr
}

// Level returns the last level driven on pin.
func (d *Driver) Level(pin hal.Pin) hal.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levels[pin]
}

// ADCConfig returns the last resolution and attenuation passed to Configure.
func (d *Driver) ADCConfig() (int, hal.Attenuation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adcBits, d.adcAtten
}

// WakeArms returns every wake source armed so far.
func (d *Driver) WakeArms() []WakeArm {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]WakeArm(nil), d.wake...)
}

// SleepCalls returns how many times DeepSleep was entered.
func (d *Driver) SleepCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sleepCalls
}

// Polls returns how many status polls happened since the last Begin.
func (d *Driver) Polls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polls
}

// Events returns the ordered hardware interaction log.
func (d *Driver) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.events...)
}
