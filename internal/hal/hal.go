// Package hal defines the hardware surface the wake cycle runs against.
// Drivers live in subpackages: stub for host simulation and tests, linux for
// sysfs-backed boards.
package hal

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// Pin identifies a GPIO line or ADC channel by its board number.
type Pin int

// Level is a digital signal level.
type Level uint8

const (
	Low Level = iota
	High
)

// String returns "low" or "high".
func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// ParseLevel parses "low"/"high" (also "0"/"1"), case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return Low, nil
	case "high", "1":
		return High, nil
	default:
		return Low, fmt.Errorf("invalid level %q: want low or high", s)
	}
}

// Attenuation is the analog front-end input attenuation in dB.
type Attenuation int

const (
	Atten0dB  Attenuation = 0
	Atten2dB5 Attenuation = 2
	Atten6dB  Attenuation = 6
	Atten11dB Attenuation = 11
)

// RadioStatus is the association state of the wireless interface.
type RadioStatus int

const (
	RadioIdle RadioStatus = iota
	RadioConnecting
	RadioConnected
	RadioConnectFailed
	RadioNoSSID
)

func (s RadioStatus) String() string {
	switch s {
	case RadioIdle:
		return "idle"
	case RadioConnecting:
		return "connecting"
	case RadioConnected:
		return "connected"
	case RadioConnectFailed:
		return "connect_failed"
	case RadioNoSSID:
		return "no_ssid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// GPIO drives digital lines.
type GPIO interface {
	ConfigureOutput(pin Pin) error
	ConfigureInput(pin Pin) error
	Set(pin Pin, level Level) error
}

// ADC samples analog inputs.
type ADC interface {
	// Configure sets sampling resolution in bits and input attenuation.
	Configure(resolutionBits int, atten Attenuation) error
	// Read takes one raw sample from the given channel.
	Read(pin Pin) (int, error)
}

// Radio is the wireless station interface.
type Radio interface {
	// Begin starts association with the given network. It does not block.
	Begin(ssid, password string) error
	Status() RadioStatus
	LocalIP() netip.Addr
	// RSSI returns the current received signal strength in dBm.
	RSSI() int
}

// WakeController arms external wake sources for deep sleep.
type WakeController interface {
	EnableExtWakeup(pin Pin, level Level) error
}

// Sleeper enters deep sleep. On hardware DeepSleep does not return; host
// drivers return once the platform suspend hook has run.
type Sleeper interface {
	DeepSleep(ctx context.Context) error
}

// Board bundles every capability a wake cycle needs.
type Board interface {
	GPIO
	ADC
	Radio
	WakeController
	Sleeper
	Name() string
}
