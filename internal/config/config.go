// Package config loads the notifier configuration: defaults, then an
// optional YAML file, then environment variables, which always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the mail transport: smtp, ses, graph or stdout.
	// Empty auto-detects, see ProviderName.
	Provider  string          `yaml:"provider"`
	Device    DeviceConfig    `yaml:"device"`
	Wifi      WifiConfig      `yaml:"wifi"`
	Clock     ClockConfig     `yaml:"clock"`
	Battery   BatteryConfig   `yaml:"battery"`
	Mail      MailConfig      `yaml:"mail"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig selects the hardware driver and its wiring.
type DeviceConfig struct {
	// Driver is "stub" or "linux".
	Driver    string `yaml:"driver"`
	WakePin   int    `yaml:"wake_pin"`
	WakeLevel string `yaml:"wake_level"`

	GPIORoot       string   `yaml:"gpio_root"`
	IIODevice      string   `yaml:"iio_device"`
	Interface      string   `yaml:"interface"`
	WirelessStats  string   `yaml:"wireless_stats"`
	SuspendCommand []string `yaml:"suspend_command"`
}

// WifiConfig holds the network credentials and association bounds.
type WifiConfig struct {
	SSID         string        `yaml:"ssid"`
	Password     string        `yaml:"password"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ClockConfig holds the NTP servers and the rendered UTC offset.
type ClockConfig struct {
	Servers []string      `yaml:"servers"`
	Offset  time.Duration `yaml:"offset"`
	Timeout time.Duration `yaml:"timeout"`
}

// BatteryConfig describes the voltage divider circuit. The letterbox
// variant runs without it.
type BatteryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	EnablePin        int           `yaml:"enable_pin"`
	SensePin         int           `yaml:"sense_pin"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	Attenuation      int           `yaml:"attenuation"`
	ResolutionBits   int           `yaml:"resolution_bits"`
	FullScaleVoltage float64       `yaml:"full_scale_voltage"`
	DividerRatio     float64       `yaml:"divider_ratio"`
	MinVoltage       float64       `yaml:"min_voltage"`
	MaxVoltage       float64       `yaml:"max_voltage"`
}

// MailConfig holds the notification identity.
type MailConfig struct {
	From          string        `yaml:"from"`
	To            string        `yaml:"to"`
	SenderName    string        `yaml:"sender_name"`
	RecipientName string        `yaml:"recipient_name"`
	Subject       string        `yaml:"subject"`
	Domain        string        `yaml:"domain"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SMTPConfig holds the outgoing SMTP server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TLSMode is implicit, starttls or none.
	TLSMode            string `yaml:"tls_mode"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	AuthMechanism      string `yaml:"auth_mechanism"`
	LocalName          string `yaml:"local_name"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RetentionConfig locates the boot counter state file.
type RetentionConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig enables the node-exporter textfile.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads a YAML file over the defaults, then applies environment
// variables. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProviderName returns the configured provider, or auto-detects one:
// smtp if a host is set, then graph, then ses, else stdout.
func (c *Config) ProviderName() string {
	if c.Provider != "" {
		return c.Provider
	}
	switch {
	case c.SMTP.Host != "":
		return "smtp"
	case c.GraphConfigured():
		return "graph"
	case c.SESConfigured():
		return "ses"
	default:
		return "stdout"
	}
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the region is set. Without a sender the
// message From address is used.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// Validate reports every missing or malformed value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Device.Driver {
	case "stub", "linux":
	default:
		add("device.driver: unknown driver %q", c.Device.Driver)
	}
	switch strings.ToLower(c.Device.WakeLevel) {
	case "low", "high", "0", "1":
	default:
		add("device.wake_level: want low or high, got %q", c.Device.WakeLevel)
	}
	if c.Wifi.SSID == "" {
		add("wifi.ssid is required")
	}
	if c.Wifi.Timeout <= 0 {
		add("wifi.timeout must be positive")
	}
	if c.Mail.From == "" {
		add("mail.from is required")
	}
	if c.Mail.To == "" {
		add("mail.to is required")
	}
	if c.Battery.Enabled && c.Battery.MaxVoltage <= c.Battery.MinVoltage {
		add("battery: max_voltage must exceed min_voltage")
	}

	switch c.ProviderName() {
	case "smtp":
		if c.SMTP.Host == "" {
			add("smtp.host is required for the smtp provider")
		}
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			add("smtp.port out of range: %d", c.SMTP.Port)
		}
		switch c.SMTP.TLSMode {
		case "implicit", "starttls", "none":
		default:
			add("smtp.tls_mode: want implicit, starttls or none, got %q", c.SMTP.TLSMode)
		}
	case "ses":
		if !c.SESConfigured() {
			add("ses.region is required for the ses provider")
		}
	case "graph":
		if !c.GraphConfigured() {
			add("graph: tenant_id, client_id, client_secret and sender are required")
		}
	case "stdout":
	default:
		add("unknown provider %q", c.Provider)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format: want text or json, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// applyDefaults sets the mailbox deployment defaults.
func (c *Config) applyDefaults() {
	c.Device.Driver = "stub"
	c.Device.WakePin = 13
	c.Device.WakeLevel = "low"

	c.Wifi.PollInterval = 300 * time.Millisecond
	c.Wifi.Timeout = 30 * time.Second

	c.Clock.Servers = []string{"pool.ntp.org", "time.nist.gov"}
	c.Clock.Offset = 2 * time.Hour
	c.Clock.Timeout = 5 * time.Second

	c.Battery.Enabled = true
	c.Battery.EnablePin = 4
	c.Battery.SensePin = 34
	c.Battery.SettleDelay = 50 * time.Millisecond
	c.Battery.Attenuation = 11
	c.Battery.ResolutionBits = 12
	c.Battery.FullScaleVoltage = 3.9
	c.Battery.DividerRatio = 1.319
	c.Battery.MinVoltage = 3.2
	c.Battery.MaxVoltage = 4.2

	c.Mail.SenderName = "Your Mailbox"
	c.Mail.RecipientName = "Master!"
	c.Mail.Subject = "You've got Mail!"
	c.Mail.Domain = "mailbox.local"
	c.Mail.Timeout = 60 * time.Second

	c.SMTP.Port = 465
	c.SMTP.TLSMode = "implicit"

	c.Retention.Path = "/var/lib/mailbox-notifier/state.yaml"

	c.Logging.Level = "info"
	c.Logging.Format = "text"
}

// applyEnvVars overrides configuration with non-empty environment variables.
func (c *Config) applyEnvVars() error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("PROVIDER", &c.Provider)

	str("DEVICE_DRIVER", &c.Device.Driver)
	num("WAKE_PIN", &c.Device.WakePin)
	str("WAKE_LEVEL", &c.Device.WakeLevel)
	str("WIFI_INTERFACE", &c.Device.Interface)
	if v := os.Getenv("SUSPEND_COMMAND"); v != "" {
		c.Device.SuspendCommand = strings.Fields(v)
	}

	str("WIFI_SSID", &c.Wifi.SSID)
	str("WIFI_PASSWORD", &c.Wifi.Password)
	dur("WIFI_TIMEOUT", &c.Wifi.Timeout)

	if v := os.Getenv("NTP_SERVERS"); v != "" {
		c.Clock.Servers = splitList(v)
	}
	dur("TIME_OFFSET", &c.Clock.Offset)

	flag("BATTERY_ENABLED", &c.Battery.Enabled)

	str("MAIL_FROM", &c.Mail.From)
	str("MAIL_TO", &c.Mail.To)

	str("SMTP_HOST", &c.SMTP.Host)
	num("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	if v := os.Getenv("SMTP_TLS_MODE"); v != "" {
		c.SMTP.TLSMode = strings.ToLower(v)
	}
	str("SMTP_CA_FILE", &c.SMTP.CAFile)

	str("SES_REGION", &c.SES.Region)
	str("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	str("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	str("SES_SENDER", &c.SES.Sender)
	str("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	str("GRAPH_TENANT_ID", &c.Graph.TenantID)
	str("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	str("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	str("GRAPH_SENDER", &c.Graph.Sender)

	str("RETENTION_PATH", &c.Retention.Path)
	str("METRICS_TEXTFILE", &c.Metrics.Textfile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
