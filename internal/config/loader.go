package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when AIRCLOUD_CONFIG is not set.
const DefaultPath = "config/aircloud.yaml"

// AccountConfig holds the AirCloud credentials
type AccountConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// EndpointsConfig overrides the vendor URLs
type EndpointsConfig struct {
	API       string `yaml:"api"`
	WebSocket string `yaml:"websocket"`
}

// TimeoutsConfig controls the vendor client
type TimeoutsConfig struct {
	Connect          time.Duration `yaml:"connect"`
	Receive          time.Duration `yaml:"receive"`
	HTTP             time.Duration `yaml:"http"`
	MaxReceives      int           `yaml:"max_receives"`
	MaxReauthRetries int           `yaml:"max_reauth_retries"`
}

// PollConfig controls how often device state is fetched
type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	CommandSettle  time.Duration `yaml:"command_settle"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DeviceConfig holds per-device tuning, keyed by device id
type DeviceConfig struct {
	TemperatureAdjust float64 `yaml:"temperature_adjust"`
	TemperatureStep   float64 `yaml:"temperature_step"`
}

// MQTTConfig represents the optional MQTT bridge
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// Enabled reports whether a broker is configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// HTTPConfig represents the status API
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Config represents the aircloud.yaml structure
type Config struct {
	Account   AccountConfig           `yaml:"account"`
	Endpoints EndpointsConfig         `yaml:"endpoints"`
	Timeouts  TimeoutsConfig          `yaml:"timeouts"`
	Poll      PollConfig              `yaml:"poll"`
	Devices   map[string]DeviceConfig `yaml:"devices"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	HTTP      HTTPConfig              `yaml:"http"`
	ReadOnly  bool                    `yaml:"read_only"`
}

// Default returns a configuration with every optional value filled in
func Default() *Config {
	return &Config{
		Timeouts: TimeoutsConfig{
			Connect:          60 * time.Second,
			Receive:          10 * time.Second,
			HTTP:             15 * time.Second,
			MaxReceives:      10,
			MaxReauthRetries: 1,
		},
		Poll: PollConfig{
			Interval:       60 * time.Second,
			FetchTimeout:   10 * time.Second,
			CommandSettle:  2 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Devices: make(map[string]DeviceConfig),
		MQTT: MQTTConfig{
			ClientID:    "aircloud-bridge",
			TopicPrefix: "aircloud",
			QoS:         1,
			KeepAlive:   30 * time.Second,
		},
		HTTP: HTTPConfig{Port: 8080},
	}
}

// DefaultTemperatureStep applies to devices without a configured step.
const DefaultTemperatureStep = 0.5

// Device returns the tuning for a device
func (c *Config) Device(id string) DeviceConfig {
	dev := c.Devices[id]
	if dev.TemperatureStep <= 0 {
		dev.TemperatureStep = DefaultTemperatureStep
	}
	return dev
}

// Validate checks that the configuration can run the bridge
func (c *Config) Validate() error {
	var errs []error
	if c.Account.Email == "" {
		errs = append(errs, errors.New("account email is required"))
	}
	if c.Account.Password == "" {
		errs = append(errs, errors.New("account password is required"))
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Receive <= 0 || c.Timeouts.HTTP <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Timeouts.MaxReceives <= 0 {
		errs = append(errs, errors.New("timeouts.max_receives must be positive"))
	}
	if c.Timeouts.MaxReauthRetries < 0 {
		errs = append(errs, errors.New("timeouts.max_reauth_retries must not be negative"))
	}
	if c.Poll.Interval <= 0 || c.Poll.FetchTimeout <= 0 {
		errs = append(errs, errors.New("poll interval and fetch timeout must be positive"))
	}
	if c.Poll.CommandSettle < 0 {
		errs = append(errs, errors.New("poll.command_settle must not be negative"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTP.Port))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Loader reads the configuration file and applies environment overrides
type Loader struct {
	path   string
	logger *zap.Logger
	getenv func(string) string
	config *Config
}

// NewLoader creates a loader for path. An empty path selects AIRCLOUD_CONFIG
// or DefaultPath.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if path == "" {
		path = os.Getenv("AIRCLOUD_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	return &Loader{
		path:   path,
		logger: logger,
		getenv: os.Getenv,
	}
}

// Path returns the file the loader reads
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the result.
// A missing file is not an error; everything can come from the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		l.logger.Debug("Loading config file", zap.String("path", l.path))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
		}
		if cfg.Devices == nil {
			cfg.Devices = make(map[string]DeviceConfig)
		}
	case errors.Is(err, os.ErrNotExist):
		l.logger.Warn("No config file found, using defaults and environment",
			zap.String("path", l.path))
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l.config = cfg
	l.logger.Info("Config loaded",
		zap.String("path", l.path),
		zap.Bool("mqtt", cfg.MQTT.Enabled()),
		zap.Int("devices", len(cfg.Devices)),
		zap.Bool("read_only", cfg.ReadOnly))
	return cfg, nil
}

// Config returns the last successfully loaded configuration
func (l *Loader) Config() *Config {
	return l.config
}

func (l *Loader) applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := l.getenv(key); v != "" {
			*dst = v
		}
	}

	setString("AIRCLOUD_EMAIL", &cfg.Account.Email)
	setString("AIRCLOUD_PASSWORD", &cfg.Account.Password)
	setString("MQTT_BROKER", &cfg.MQTT.Broker)
	setString("MQTT_USERNAME", &cfg.MQTT.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Password)

	if v := l.getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		cfg.HTTP.Port = port
	}

	if v := l.getenv("READ_ONLY"); v != "" {
		readOnly, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid READ_ONLY %q: %w", v, err)
		}
		cfg.ReadOnly = readOnly
	}

	return nil
}
