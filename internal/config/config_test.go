package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"PROVIDER",
	"DEVICE_DRIVER", "WAKE_PIN", "WAKE_LEVEL", "WIFI_INTERFACE", "SUSPEND_COMMAND",
	"WIFI_SSID", "WIFI_PASSWORD", "WIFI_TIMEOUT",
	"NTP_SERVERS", "TIME_OFFSET", "BATTERY_ENABLED",
	"MAIL_FROM", "MAIL_TO",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_TLS_MODE", "SMTP_CA_FILE",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_SENDER", "SES_CONFIGURATION_SET",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER",
	"RETENTION_PATH", "METRICS_TEXTFILE", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Device.Driver != "stub" {
		t.Errorf("Device.Driver: got %q, want %q", cfg.Device.Driver, "stub")
	}
	if cfg.Device.WakePin != 13 || cfg.Device.WakeLevel != "low" {
		t.Errorf("wake: got pin %d level %q, want 13 low", cfg.Device.WakePin, cfg.Device.WakeLevel)
	}
	if cfg.Wifi.PollInterval != 300*time.Millisecond {
		t.Errorf("Wifi.PollInterval: got %v", cfg.Wifi.PollInterval)
	}
	if cfg.Wifi.Timeout != 30*time.Second {
		t.Errorf("Wifi.Timeout: got %v", cfg.Wifi.Timeout)
	}
	if !reflect.DeepEqual(cfg.Clock.Servers, []string{"pool.ntp.org", "time.nist.gov"}) {
		t.Errorf("Clock.Servers: got %v", cfg.Clock.Servers)
	}
	if cfg.Clock.Offset != 2*time.Hour {
		t.Errorf("Clock.Offset: got %v, want 2h", cfg.Clock.Offset)
	}
	if !cfg.Battery.Enabled || cfg.Battery.EnablePin != 4 || cfg.Battery.SensePin != 34 {
		t.Errorf("Battery: got %+v", cfg.Battery)
	}
	if cfg.Battery.SettleDelay != 50*time.Millisecond {
		t.Errorf("Battery.SettleDelay: got %v", cfg.Battery.SettleDelay)
	}
	if cfg.Battery.DividerRatio != 1.319 || cfg.Battery.FullScaleVoltage != 3.9 {
		t.Errorf("Battery calibration: got %+v", cfg.Battery)
	}
	if cfg.SMTP.Port != 465 || cfg.SMTP.TLSMode != "implicit" {
		t.Errorf("SMTP: got port %d mode %q", cfg.SMTP.Port, cfg.SMTP.TLSMode)
	}
	if cfg.Mail.SenderName != "Your Mailbox" || cfg.Mail.RecipientName != "Master!" {
		t.Errorf("Mail names: got %q, %q", cfg.Mail.SenderName, cfg.Mail.RecipientName)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.Provider != "" {
		t.Errorf("Provider: got %q, want empty", cfg.Provider)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROVIDER", "smtp")
	t.Setenv("DEVICE_DRIVER", "linux")
	t.Setenv("WAKE_PIN", "27")
	t.Setenv("WAKE_LEVEL", "high")
	t.Setenv("SUSPEND_COMMAND", "systemctl suspend")
	t.Setenv("WIFI_SSID", "home")
	t.Setenv("WIFI_PASSWORD", "hunter2")
	t.Setenv("WIFI_TIMEOUT", "10s")
	t.Setenv("NTP_SERVERS", "a.example, b.example")
	t.Setenv("TIME_OFFSET", "1h")
	t.Setenv("BATTERY_ENABLED", "false")
	t.Setenv("MAIL_FROM", "box@example.com")
	t.Setenv("MAIL_TO", "me@example.com")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_USERNAME", "box@example.com")
	t.Setenv("SMTP_PASSWORD", "app-pass")
	t.Setenv("SMTP_TLS_MODE", "STARTTLS")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("METRICS_TEXTFILE", "/var/lib/node_exporter/mailbox.prom")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Device.Driver != "linux" || cfg.Device.WakePin != 27 || cfg.Device.WakeLevel != "high" {
		t.Errorf("Device: got %+v", cfg.Device)
	}
	if !reflect.DeepEqual(cfg.Device.SuspendCommand, []string{"systemctl", "suspend"}) {
		t.Errorf("SuspendCommand: got %v", cfg.Device.SuspendCommand)
	}
	if cfg.Wifi.SSID != "home" || cfg.Wifi.Password != "hunter2" || cfg.Wifi.Timeout != 10*time.Second {
		t.Errorf("Wifi: got %+v", cfg.Wifi)
	}
	if !reflect.DeepEqual(cfg.Clock.Servers, []string{"a.example", "b.example"}) {
		t.Errorf("Clock.Servers: got %v", cfg.Clock.Servers)
	}
	if cfg.Clock.Offset != time.Hour {
		t.Errorf("Clock.Offset: got %v", cfg.Clock.Offset)
	}
	if cfg.Battery.Enabled {
		t.Error("Battery.Enabled: got true, want false")
	}
	if cfg.SMTP.Host != "smtp.example.com" || cfg.SMTP.Port != 587 || cfg.SMTP.TLSMode != "starttls" {
		t.Errorf("SMTP: got %+v", cfg.SMTP)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.Metrics.Textfile != "/var/lib/node_exporter/mailbox.prom" {
		t.Errorf("Metrics.Textfile: got %q", cfg.Metrics.Textfile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "not-a-port")
	t.Setenv("WIFI_TIMEOUT", "forever")
	t.Setenv("BATTERY_ENABLED", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid env values, got nil")
	}
	for _, name := range []string{"SMTP_PORT", "WIFI_TIMEOUT", "BATTERY_ENABLED"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s: %v", name, err)
		}
	}
}

func TestLoadFromFile_YAMLValues(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
provider: graph
device:
  driver: linux
  wake_level: high
  interface: wlp2s0
wifi:
  ssid: letterbox
  timeout: 15s
clock:
  servers: [ntp.example]
  offset: 0s
battery:
  enabled: false
mail:
  from: box@example.com
  to: me@example.com
graph:
  tenant_id: tid
  client_id: cid
  client_secret: secret
  sender: box@example.com
logging:
  format: json
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ProviderName() != "graph" {
		t.Errorf("ProviderName: got %q, want graph", cfg.ProviderName())
	}
	if cfg.Device.Interface != "wlp2s0" || cfg.Device.WakeLevel != "high" {
		t.Errorf("Device: got %+v", cfg.Device)
	}
	if cfg.Wifi.Timeout != 15*time.Second {
		t.Errorf("Wifi.Timeout: got %v", cfg.Wifi.Timeout)
	}
	if cfg.Wifi.PollInterval != 300*time.Millisecond {
		t.Errorf("Wifi.PollInterval should keep its default, got %v", cfg.Wifi.PollInterval)
	}
	if !reflect.DeepEqual(cfg.Clock.Servers, []string{"ntp.example"}) || cfg.Clock.Offset != 0 {
		t.Errorf("Clock: got %+v", cfg.Clock)
	}
	if cfg.Battery.Enabled {
		t.Error("Battery.Enabled: got true, want false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level should keep its default, got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: unexpected error: %v", err)
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("WIFI_SSID", "from-env")

	path := writeConfig(t, "wifi:\n  ssid: from-yaml\n")
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Wifi.SSID != "from-env" {
		t.Errorf("Wifi.SSID: got %q, want %q", cfg.Wifi.SSID, "from-env")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file, got nil")
	}

	path := writeConfig(t, "wifi: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestProviderName_AutoDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "explicit", cfg: Config{Provider: "ses", SMTP: SMTPConfig{Host: "h"}}, want: "ses"},
		{name: "smtp host", cfg: Config{SMTP: SMTPConfig{Host: "smtp.example.com"}}, want: "smtp"},
		{name: "graph", cfg: Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "x"}}, want: "graph"},
		{name: "ses", cfg: Config{SES: SESConfig{Region: "eu-west-1"}}, want: "ses"},
		{name: "partial graph falls back", cfg: Config{Graph: GraphConfig{TenantID: "t"}}, want: "stdout"},
		{name: "nothing", want: "stdout"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.ProviderName(); got != tt.want {
				t.Errorf("ProviderName: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	valid := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cfg.Wifi.SSID = "home"
		cfg.Mail.From = "box@example.com"
		cfg.Mail.To = "me@example.com"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing ssid", mutate: func(c *Config) { c.Wifi.SSID = "" }, wantErr: "wifi.ssid"},
		{name: "missing recipient", mutate: func(c *Config) { c.Mail.To = "" }, wantErr: "mail.to"},
		{name: "bad driver", mutate: func(c *Config) { c.Device.Driver = "esp32" }, wantErr: "device.driver"},
		{name: "bad wake level", mutate: func(c *Config) { c.Device.WakeLevel = "rising" }, wantErr: "wake_level"},
		{name: "bad tls mode", mutate: func(c *Config) { c.SMTP.Host = "h"; c.SMTP.TLSMode = "ssl" }, wantErr: "tls_mode"},
		{name: "bad port", mutate: func(c *Config) { c.SMTP.Host = "h"; c.SMTP.Port = 0 }, wantErr: "smtp.port"},
		{name: "graph incomplete", mutate: func(c *Config) { c.Provider = "graph" }, wantErr: "graph"},
		{name: "ses without region", mutate: func(c *Config) { c.Provider = "ses" }, wantErr: "ses.region"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "pigeon" }, wantErr: "unknown provider"},
		{name: "bad battery range", mutate: func(c *Config) { c.Battery.MaxVoltage = 3.0 }, wantErr: "battery"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}
