package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
wifi:
  ssid: "lab-ap"
  password: ""
mqtt:
  broker: "tcp://127.0.0.1:1883"
  command_topic: "devices/adc/cmd"
  response_topic: "devices/adc/resp"
  qos: 1
agent:
  periodic: true
  interval: 500ms
  validators:
    - field: Raw
      min: 0
      max: 4095
sampler:
  curve_fitting:
    - attenuation: 12db
      coefficients: [0, 0.8, 0.0001]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.WiFi.MaxRetries != 5 {
		t.Errorf("WiFi.MaxRetries = %d, want 5", cfg.WiFi.MaxRetries)
	}
	if cfg.Agent.Interval != 500*time.Millisecond {
		t.Errorf("Agent.Interval = %v, want 500ms", cfg.Agent.Interval)
	}
	if cfg.MQTT.TelemetryTopic != "devices/adc/resp" {
		t.Errorf("TelemetryTopic = %q, want response topic", cfg.MQTT.TelemetryTopic)
	}
	if cfg.Sampler.Driver != "sim" {
		t.Errorf("Sampler.Driver = %q, want sim", cfg.Sampler.Driver)
	}
	if got := strings.Join(cfg.Sampler.Schemes, ","); got != "curve_fitting,line_fitting" {
		t.Errorf("Sampler.Schemes = %q", got)
	}
	if len(cfg.Sampler.CurveFitting) != 1 || len(cfg.Sampler.CurveFitting[0].Coefficients) != 3 {
		t.Errorf("CurveFitting = %+v", cfg.Sampler.CurveFitting)
	}
	if len(cfg.Agent.Validators) != 1 || cfg.Agent.Validators[0].Max != 4095 {
		t.Errorf("Validators = %+v", cfg.Agent.Validators)
	}
	if cfg.Store.Type != "file" {
		t.Errorf("Store.Type = %q, want file", cfg.Store.Type)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("SENSOR_AGENT_WIFI_PASSWORD", "s3cret")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.WiFi.Password != "s3cret" {
		t.Errorf("WiFi.Password = %q, want env override", cfg.WiFi.Password)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadConfig() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			WiFi: WiFiConfig{SSID: "ap", MaxRetries: 5},
			MQTT: MQTTConfig{
				Broker:        "tcp://b:1883",
				CommandTopic:  "c",
				ResponseTopic: "r",
			},
			Agent: AgentConfig{Periodic: true, Interval: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing ssid", mutate: func(c *Config) { c.WiFi.SSID = "" }, wantErr: "wifi.ssid"},
		{name: "missing broker", mutate: func(c *Config) { c.MQTT.Broker = "" }, wantErr: "mqtt.broker"},
		{name: "missing command topic", mutate: func(c *Config) { c.MQTT.CommandTopic = "" }, wantErr: "command_topic"},
		{name: "missing response topic", mutate: func(c *Config) { c.MQTT.ResponseTopic = "" }, wantErr: "response_topic"},
		{name: "bad qos", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "negative retries", mutate: func(c *Config) { c.WiFi.MaxRetries = -1 }, wantErr: "max_retries"},
		{name: "zero interval periodic", mutate: func(c *Config) { c.Agent.Interval = 0 }, wantErr: "agent.interval"},
		{name: "zero interval one-shot", mutate: func(c *Config) { c.Agent.Periodic = false; c.Agent.Interval = 0 }},
		{
			name:    "inverted validator",
			mutate:  func(c *Config) { c.Agent.Validators = []ValidatorConfig{{Field: "Raw", Min: 10, Max: 1}} },
			wantErr: "min > max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
