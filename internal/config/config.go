// Package config handles monitor configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vaga/config.yaml, /etc/vaga/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vaga", "config.yaml"))
	}

	paths = append(paths, "/etc/vaga/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all monitor configuration. Values are calibration and
// deployment settings; none of them change while the monitor runs.
type Config struct {
	Space      SpaceConfig      `yaml:"space"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Cadence    CadenceConfig    `yaml:"cadence"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Status     StatusConfig     `yaml:"status"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// SpaceConfig identifies the monitored space.
type SpaceConfig struct {
	// ID is copied into every telemetry record as "vagaId".
	ID string `yaml:"id"`
	// Name is the human-readable label used for Home Assistant discovery.
	Name string `yaml:"name"`
}

// ThresholdsConfig holds the classifier calibration.
type ThresholdsConfig struct {
	DistanceOccupiedCM int `yaml:"distance_occupied_cm"`
	NoiseMotor         int `yaml:"noise_motor"`
	MinDistanceDeltaCM int `yaml:"min_distance_delta_cm"`
	// MaxADC is the full-scale count of the noise ADC (4095 for 12 bits).
	MaxADC int `yaml:"max_adc"`
}

// CadenceConfig holds the two independent loop timings.
type CadenceConfig struct {
	// CycleDelay is the pause after each sampling cycle.
	CycleDelay time.Duration `yaml:"cycle_delay"`
	// PublishInterval is the minimum time between telemetry records.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// SensorsConfig selects and configures the two sensors.
type SensorsConfig struct {
	Range RangeConfig `yaml:"range"`
	Noise NoiseConfig `yaml:"noise"`
	// FailOpenDistanceCM replaces unreadable distances. It must exceed
	// thresholds.distance_occupied_cm so an unreadable sensor reports the
	// space as free.
	FailOpenDistanceCM int `yaml:"fail_open_distance_cm"`
	// SimulationSeed seeds the simulated scene's jitter.
	SimulationSeed uint64 `yaml:"simulation_seed"`
}

// RangeConfig configures the distance sensor.
type RangeConfig struct {
	Driver     string        `yaml:"driver"` // serial or simulated
	Port       string        `yaml:"port"`
	BaudRate   int           `yaml:"baud_rate"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRangeCM int           `yaml:"max_range_cm"`
}

// NoiseConfig configures the acoustic sensor.
type NoiseConfig struct {
	Driver string `yaml:"driver"` // iio or simulated
	Path   string `yaml:"path"`
}

// IndicatorsConfig configures the status lights.
type IndicatorsConfig struct {
	Driver string `yaml:"driver"` // sysfs or none
	Green  string `yaml:"green"`
	Amber  string `yaml:"amber"`
	Red    string `yaml:"red"`
}

// MQTTConfig defines the telemetry broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://test.mosquitto.org:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic receives the telemetry records.
	Topic string `yaml:"topic"`
	// DiscoveryPrefix is the Home Assistant discovery prefix. Empty
	// disables discovery messages.
	DiscoveryPrefix     string          `yaml:"discovery_prefix"`
	PublishTimeout      time.Duration   `yaml:"publish_timeout"`
	DiagnosticsInterval time.Duration   `yaml:"diagnostics_interval"`
	Reconnect           ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the broker reconnection backoff schedule.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// StatusConfig configures the local HTTP status server.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the stock garage calibration with simulated sensors
// and no broker.
func Default() *Config {
	return &Config{
		Space: SpaceConfig{ID: "Vaga01"},
		Thresholds: ThresholdsConfig{
			DistanceOccupiedCM: 100,
			NoiseMotor:         2500,
			MinDistanceDeltaCM: 5,
			MaxADC:             4095,
		},
		Cadence: CadenceConfig{
			CycleDelay:      200 * time.Millisecond,
			PublishInterval: 5 * time.Second,
		},
		Sensors: SensorsConfig{
			Range: RangeConfig{
				Driver:     "simulated",
				BaudRate:   9600,
				Timeout:    250 * time.Millisecond,
				MaxRangeCM: 200,
			},
			Noise:              NoiseConfig{Driver: "simulated"},
			FailOpenDistanceCM: 200,
			SimulationSeed:     1,
		},
		Indicators: IndicatorsConfig{Driver: "none"},
		MQTT: MQTTConfig{
			Topic:               "garagem/vaga01/status",
			DiscoveryPrefix:     "homeassistant",
			PublishTimeout:      time.Second,
			DiagnosticsInterval: time.Minute,
			Reconnect: ReconnectConfig{
				InitialDelay: 2 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
			},
		},
		Status: StatusConfig{Enabled: true, Address: ":8080"},
	}
}

// Load reads configuration from a YAML file over the defaults, expands
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields that a config file may have cleared.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Space.Name == "" {
		c.Space.Name = c.Space.ID
	}
	if c.MQTT.PublishTimeout <= 0 {
		c.MQTT.PublishTimeout = d.MQTT.PublishTimeout
	}
	if c.MQTT.DiagnosticsInterval <= 0 {
		c.MQTT.DiagnosticsInterval = d.MQTT.DiagnosticsInterval
	}
	if c.MQTT.Reconnect.InitialDelay <= 0 {
		c.MQTT.Reconnect.InitialDelay = d.MQTT.Reconnect.InitialDelay
	}
	if c.MQTT.Reconnect.MaxDelay <= 0 {
		c.MQTT.Reconnect.MaxDelay = d.MQTT.Reconnect.MaxDelay
	}
	if c.MQTT.Reconnect.Multiplier < 1 {
		c.MQTT.Reconnect.Multiplier = d.MQTT.Reconnect.Multiplier
	}
	if c.Sensors.Range.BaudRate <= 0 {
		c.Sensors.Range.BaudRate = d.Sensors.Range.BaudRate
	}
}

// Validate rejects configurations the monitor cannot run with. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Space.ID == "" {
		add("space.id must not be empty")
	}

	t := c.Thresholds
	if t.MaxADC <= 0 {
		add("thresholds.max_adc must be positive, got %d", t.MaxADC)
	}
	if t.NoiseMotor < 0 || t.NoiseMotor > t.MaxADC {
		add("thresholds.noise_motor must be within [0, %d], got %d", t.MaxADC, t.NoiseMotor)
	}
	if t.DistanceOccupiedCM <= 0 {
		add("thresholds.distance_occupied_cm must be positive, got %d", t.DistanceOccupiedCM)
	}
	if t.MinDistanceDeltaCM < 0 {
		add("thresholds.min_distance_delta_cm must not be negative, got %d", t.MinDistanceDeltaCM)
	}

	if c.Cadence.CycleDelay <= 0 {
		add("cadence.cycle_delay must be positive, got %s", c.Cadence.CycleDelay)
	}
	if c.Cadence.PublishInterval <= 0 {
		add("cadence.publish_interval must be positive, got %s", c.Cadence.PublishInterval)
	}

	s := c.Sensors
	if s.FailOpenDistanceCM <= t.DistanceOccupiedCM {
		add("sensors.fail_open_distance_cm (%d) must exceed thresholds.distance_occupied_cm (%d)",
			s.FailOpenDistanceCM, t.DistanceOccupiedCM)
	}
	if s.Range.MaxRangeCM <= 0 {
		add("sensors.range.max_range_cm must be positive, got %d", s.Range.MaxRangeCM)
	}
	if s.Range.Timeout <= 0 {
		add("sensors.range.timeout must be positive, got %s", s.Range.Timeout)
	}
	switch s.Range.Driver {
	case "serial":
		if s.Range.Port == "" {
			add("sensors.range.port is required for the serial driver")
		}
	case "simulated":
	default:
		add("sensors.range.driver %q unknown (valid: serial, simulated)", s.Range.Driver)
	}
	switch s.Noise.Driver {
	case "iio", "simulated":
	default:
		add("sensors.noise.driver %q unknown (valid: iio, simulated)", s.Noise.Driver)
	}

	switch c.Indicators.Driver {
	case "sysfs":
		if c.Indicators.Green == "" || c.Indicators.Amber == "" || c.Indicators.Red == "" {
			add("indicators.green, indicators.amber and indicators.red are required for the sysfs driver")
		}
	case "none":
	default:
		add("indicators.driver %q unknown (valid: sysfs, none)", c.Indicators.Driver)
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			add("mqtt.broker %q is not a valid URL", c.MQTT.Broker)
		}
		if c.MQTT.Topic == "" {
			add("mqtt.topic must not be empty")
		}
	}

	if c.Status.Enabled && c.Status.Address == "" {
		add("status.address is required when status.enabled is true")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		add("log_format %q unknown (valid: text, json)", c.LogFormat)
	}

	return errors.Join(errs...)
}
