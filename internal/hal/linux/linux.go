// Package linux implements hal.Board on top of the Linux sysfs GPIO class,
// the IIO ADC interface and /proc/net/wireless.
package linux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shineum/mailbox-notifier/internal/hal"
)

// Config holds the sysfs locations and platform hooks for a board.
type Config struct {
	// GPIORoot is the sysfs GPIO class directory.
	GPIORoot string
	// IIODevice is the IIO device directory exposing in_voltageN_raw files.
	IIODevice string
	// Interface is the wireless network interface name.
	Interface string
	// WirelessStats is the path of the kernel wireless statistics table.
	WirelessStats string
	// SuspendCommand is executed by DeepSleep. Empty means DeepSleep only logs.
	SuspendCommand []string
}

func (c *Config) applyDefaults() {
	if c.GPIORoot == "" {
		c.GPIORoot = "/sys/class/gpio"
	}
	if c.IIODevice == "" {
		c.IIODevice = "/sys/bus/iio/devices/iio:device0"
	}
	if c.Interface == "" {
		c.Interface = "wlan0"
	}
	if c.WirelessStats == "" {
		c.WirelessStats = "/proc/net/wireless"
	}
}

// Board is a sysfs-backed hal.Board.
type Board struct {
	cfg  Config
	ssid string

	// interfaceAddrs is swapped out in tests.
	interfaceAddrs func(name string) ([]net.Addr, error)
}

// New creates a Board. Zero-valued fields in cfg get the standard paths.
func New(cfg Config) *Board {
	cfg.applyDefaults()
	return &Board{cfg: cfg, interfaceAddrs: lookupInterfaceAddrs}
}

func (b *Board) Name() string { return "linux" }

func (b *Board) gpioDir(pin hal.Pin) string {
	return filepath.Join(b.cfg.GPIORoot, fmt.Sprintf("gpio%d", pin))
}

// export makes the pin visible under GPIORoot if the kernel has not
// exported it yet.
func (b *Board) export(pin hal.Pin) error {
	if _, err := os.Stat(b.gpioDir(pin)); err == nil {
		return nil
	}
	if err := writeFile(filepath.Join(b.cfg.GPIORoot, "export"), strconv.Itoa(int(pin))); err != nil {
		return fmt.Errorf("failed to export gpio %d: %w", pin, err)
	}
	return nil
}

func (b *Board) ConfigureOutput(pin hal.Pin) error {
	if err := b.export(pin); err != nil {
		return err
	}
	return writeFile(filepath.Join(b.gpioDir(pin), "direction"), "out")
}

func (b *Board) ConfigureInput(pin hal.Pin) error {
	if err := b.export(pin); err != nil {
		return err
	}
	return writeFile(filepath.Join(b.gpioDir(pin), "direction"), "in")
}

func (b *Board) Set(pin hal.Pin, level hal.Level) error {
	v := "0"
	if level == hal.High {
		v = "1"
	}
	return writeFile(filepath.Join(b.gpioDir(pin), "value"), v)
}

// Configure is a no-op: IIO converters have a fixed resolution and the
// front-end scaling is a device-tree property.
func (b *Board) Configure(resolutionBits int, atten hal.Attenuation) error {
	slog.Debug("iio adc uses fixed resolution",
		"requested_bits", resolutionBits,
		"requested_attenuation_db", int(atten),
	)
	return nil
}

// Read returns the raw value of IIO channel pin.
func (b *Board) Read(pin hal.Pin) (int, error) {
	path := filepath.Join(b.cfg.IIODevice, fmt.Sprintf("in_voltage%d_raw", pin))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read adc channel %d: %w", pin, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid adc sample %q: %w", strings.TrimSpace(string(data)), err)
	}
	return raw, nil
}

// Begin records the network name. Association itself is handled by the
// system supplicant; Status reports once the interface holds an address.
func (b *Board) Begin(ssid, _ string) error {
	b.ssid = ssid
	slog.Debug("association delegated to system supplicant",
		"interface", b.cfg.Interface,
		"ssid", ssid,
	)
	return nil
}

func (b *Board) Status() hal.RadioStatus {
	if b.LocalIP().IsValid() {
		return hal.RadioConnected
	}
	if b.ssid == "" {
		return hal.RadioIdle
	}
	return hal.RadioConnecting
}

// LocalIP returns the first IPv4 address on the wireless interface.
func (b *Board) LocalIP() netip.Addr {
	addrs, err := b.interfaceAddrs(b.cfg.Interface)
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if ip := prefix.Addr(); ip.Is4() && !ip.IsLoopback() {
			return ip
		}
	}
	return netip.Addr{}
}

// RSSI returns the signal level column of /proc/net/wireless for the
// interface, or 0 when it is not listed.
func (b *Board) RSSI() int {
	f, err := os.Open(b.cfg.WirelessStats)
	if err != nil {
		return 0
	}
	defer f.Close()

	rssi, err := parseWirelessLevel(f, b.cfg.Interface)
	if err != nil {
		slog.Debug("no wireless statistics", "interface", b.cfg.Interface, "error", err)
		return 0
	}
	return rssi
}

// EnableExtWakeup sets the pin edge so the kernel raises a wake interrupt:
// falling for active-low switches, rising for active-high.
func (b *Board) EnableExtWakeup(pin hal.Pin, level hal.Level) error {
	if err := b.ConfigureInput(pin); err != nil {
		return err
	}
	edge := "falling"
	if level == hal.High {
		edge = "rising"
	}
	return writeFile(filepath.Join(b.gpioDir(pin), "edge"), edge)
}

// DeepSleep runs the configured suspend command.
func (b *Board) DeepSleep(ctx context.Context) error {
	if len(b.cfg.SuspendCommand) == 0 {
		slog.Info("no suspend command configured, exiting instead of sleeping")
		return nil
	}
	cmd := exec.CommandContext(ctx, b.cfg.SuspendCommand[0], b.cfg.SuspendCommand[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("suspend command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func parseWirelessLevel(f *os.File, iface string) (int, error) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || strings.TrimSuffix(fields[0], ":") != iface {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid level %q: %w", fields[3], err)
		}
		return int(level), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("interface not listed")
}

func lookupInterfaceAddrs(name string) ([]net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.Addrs()
}

func writeFile(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
