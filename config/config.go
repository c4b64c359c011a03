package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/sensor-agent/logger"
)

// EnvPrefix is the prefix for environment overrides, e.g. SENSOR_AGENT_WIFI_PASSWORD.
const EnvPrefix = "SENSOR_AGENT"

// Config represents the agent configuration
type Config struct {
	WiFi     WiFiConfig     `mapstructure:"wifi"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Store    StoreConfig    `mapstructure:"store"`
	Commands CommandsConfig `mapstructure:"commands"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// WiFiConfig holds the station identity and the retry policy of the link
type WiFiConfig struct {
	SSID           string        `mapstructure:"ssid"`
	Password       string        `mapstructure:"password"`
	Interface      string        `mapstructure:"interface"`
	MaxRetries     int           `mapstructure:"max_retries"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MQTTConfig represents the broker connection and topic binding
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CommandTopic   string        `mapstructure:"command_topic"`
	ResponseTopic  string        `mapstructure:"response_topic"`
	TelemetryTopic string        `mapstructure:"telemetry_topic"`
	QoS            int           `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

// SamplerConfig selects the analog driver and the calibration schemes
type SamplerConfig struct {
	Driver       string             `mapstructure:"driver"`
	Unit         int                `mapstructure:"unit"`
	Channel      int                `mapstructure:"channel"`
	Attenuation  string             `mapstructure:"attenuation"`
	Bitwidth     int                `mapstructure:"bitwidth"`
	Schemes      []string           `mapstructure:"schemes"`
	CurveFitting []CurveFitConfig   `mapstructure:"curve_fitting"`
	LineFitting  LineFitConfig      `mapstructure:"line_fitting"`
	IIOPath      string             `mapstructure:"iio_path"`
	Modbus       ModbusSourceConfig `mapstructure:"modbus"`
	Sim          SimConfig          `mapstructure:"sim"`
}

// CurveFitConfig is one polynomial, lowest order first, for an attenuation
type CurveFitConfig struct {
	Attenuation  string    `mapstructure:"attenuation"`
	Coefficients []float64 `mapstructure:"coefficients"`
}

// LineFitConfig is a static gain/offset pair; Gain 0 means not provisioned
type LineFitConfig struct {
	Gain     float64 `mapstructure:"gain"`
	OffsetMV float64 `mapstructure:"offset_mv"`
}

// ModbusSourceConfig describes a remote analog input module
type ModbusSourceConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	SlaveID  int           `mapstructure:"slave_id"`
	Register int           `mapstructure:"register"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SimConfig configures the simulated driver
type SimConfig struct {
	Raw int `mapstructure:"raw"`
}

// AgentConfig controls the periodic sample/publish cycle
type AgentConfig struct {
	DeviceName string            `mapstructure:"device_name"`
	Periodic   bool              `mapstructure:"periodic"`
	Interval   time.Duration     `mapstructure:"interval"`
	Validators []ValidatorConfig `mapstructure:"validators"`
}

// ValidatorConfig is a range check on a reading field
type ValidatorConfig struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// StoreConfig selects the provisioning store backend
type StoreConfig struct {
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// CommandsConfig points at an optional command script
type CommandsConfig struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggerConfig represents the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is invoked with the reloaded configuration
type ConfigChangeCallback func(cfg *Config) error

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wifi.interface", "wlan0")
	v.SetDefault("wifi.max_retries", 5)
	v.SetDefault("wifi.connect_timeout", "15s")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("sampler.driver", "sim")
	v.SetDefault("sampler.unit", 1)
	v.SetDefault("sampler.channel", 6)
	v.SetDefault("sampler.attenuation", "12db")
	v.SetDefault("sampler.bitwidth", 12)
	v.SetDefault("sampler.schemes", []string{"curve_fitting", "line_fitting"})
	v.SetDefault("sampler.iio_path", "/sys/bus/iio/devices/iio:device0")
	v.SetDefault("sampler.modbus.timeout", "2s")
	v.SetDefault("sampler.modbus.slave_id", 1)
	v.SetDefault("agent.device_name", "sensor-agent")
	v.SetDefault("agent.interval", "1s")
	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "./data/provisioning.json")
	v.SetDefault("store.max_entries", 64)
	v.SetDefault("metrics.listen_addr", ":9102")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.console", true)
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
}

// LoadConfig reads the configuration file at configPath, applies defaults
// and SENSOR_AGENT_* environment overrides, and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.MQTT.TelemetryTopic == "" {
		cfg.MQTT.TelemetryTopic = cfg.MQTT.ResponseTopic
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. Identity, secret, broker and topics are
// opaque strings here: only their presence is checked.
func (c *Config) Validate() error {
	var errs []error

	if c.WiFi.SSID == "" {
		errs = append(errs, errors.New("wifi.ssid is required"))
	}
	if c.WiFi.MaxRetries < 0 {
		errs = append(errs, errors.New("wifi.max_retries must be >= 0"))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.CommandTopic == "" {
		errs = append(errs, errors.New("mqtt.command_topic is required"))
	}
	if c.MQTT.ResponseTopic == "" {
		errs = append(errs, errors.New("mqtt.response_topic is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Agent.Periodic && c.Agent.Interval <= 0 {
		errs = append(errs, errors.New("agent.interval must be > 0 in periodic mode"))
	}
	for i, vc := range c.Agent.Validators {
		if vc.Field == "" {
			errs = append(errs, fmt.Errorf("agent.validators[%d].field is required", i))
		}
		if vc.Min > vc.Max {
			errs = append(errs, fmt.Errorf("agent.validators[%d]: min > max", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// WatchConfig watches the configuration file and invokes callback with the
// reloaded configuration. Bursts of writes within two seconds collapse into
// one reload.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", absPath, err)
	}

	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("reloaded config rejected: %v", err)
			return
		}
		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply reloaded config: %v", err)
			return
		}
		logger.Info("config reloaded")
	})
	v.WatchConfig()

	return nil
}
