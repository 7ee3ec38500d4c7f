// Package config loads the simulator configuration from YAML with
// environment variable overrides.
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

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration of a simulation run.
type Config struct {
	Simulation  SimulationConfig  `yaml:"simulation"`
	Spectrum    SpectrumConfig    `yaml:"spectrum"`
	PrimaryUser PrimaryUserConfig `yaml:"primary_user"`
	Repository  RepositoryConfig  `yaml:"repository"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Health      HealthConfig      `yaml:"health"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// SimulationConfig controls the clock and the node population.
type SimulationConfig struct {
	Nodes          int           `yaml:"nodes"`
	Start          time.Time     `yaml:"start"`
	Duration       time.Duration `yaml:"duration"`
	Tick           time.Duration `yaml:"tick"`
	Mode           string        `yaml:"mode"` // realtime | accelerated
	ReportInterval time.Duration `yaml:"report_interval"`
	Seed           uint64        `yaml:"seed"`
}

// SpectrumConfig holds the channel plan and per-node cycle parameters.
type SpectrumConfig struct {
	Channels                int           `yaml:"channels"`
	BaseMHz                 float64       `yaml:"base_mhz"`
	WidthMHz                float64       `yaml:"width_mhz"`
	SenseTime               time.Duration `yaml:"sense_time"`
	TransmitTime            time.Duration `yaml:"transmit_time"`
	HandoffTime             time.Duration `yaml:"handoff_time"`
	MisdetectionProbability float64       `yaml:"misdetection_probability"`
	Policy                  string        `yaml:"policy"`         // least_loaded | random
	DecisionLayer           string        `yaml:"decision_layer"` // mac | routing
	StrictSequencing        bool          `yaml:"strict_sequencing"`
}

// PrimaryUserConfig selects the source of primary user activity: a YAML
// activity file, or an exponential ON/OFF process per channel.
type PrimaryUserConfig struct {
	ActivityFile string        `yaml:"activity_file"`
	MeanOn       time.Duration `yaml:"mean_on"`
	MeanOff      time.Duration `yaml:"mean_off"`
}

// RepositoryConfig selects where node reports are shared.
type RepositoryConfig struct {
	Backend string `yaml:"backend"` // memory | mqtt
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details. An empty
// ClientID gets a random one.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection delays in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HealthConfig controls the gRPC availability server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads path, applies CRN_* environment overrides and validates the
// result. Missing sections keep their defaults; an empty path uses the
// defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a runnable configuration: four nodes over three channels
// with the default 100ms/1s cycle, in-memory repository, accelerated clock.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			Nodes:          4,
			Start:          time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
			Duration:       time.Minute,
			Tick:           10 * time.Millisecond,
			Mode:           "accelerated",
			ReportInterval: 10 * time.Second,
			Seed:           1,
		},
		Spectrum: SpectrumConfig{
			Channels:                3,
			BaseMHz:                 470,
			WidthMHz:                6,
			SenseTime:               100 * time.Millisecond,
			TransmitTime:            time.Second,
			HandoffTime:             50 * time.Millisecond,
			MisdetectionProbability: 0.1,
			Policy:                  "least_loaded",
			DecisionLayer:           "mac",
		},
		PrimaryUser: PrimaryUserConfig{
			MeanOn:  5 * time.Second,
			MeanOff: 15 * time.Second,
		},
		Repository: RepositoryConfig{
			Backend: "memory",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS:         1,
			TopicPrefix: "crn",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Address: "127.0.0.1:50051",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9090",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "cognitive-radio-sim",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// applyEnvOverrides applies CRN_SECTION_KEY environment variables.
// Unparseable numeric values are ignored.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRN_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Simulation.Nodes = n
		}
	}
	if v := os.Getenv("CRN_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Simulation.Seed = n
		}
	}
	if v := os.Getenv("CRN_SIMULATION_MODE"); v != "" {
		cfg.Simulation.Mode = v
	}
	if v := os.Getenv("CRN_SIMULATION_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Simulation.Duration = d
		}
	}
	if v := os.Getenv("CRN_MISDETECTION_PROBABILITY"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Spectrum.MisdetectionProbability = p
		}
	}

	if v := os.Getenv("CRN_REPOSITORY_BACKEND"); v != "" {
		cfg.Repository.Backend = v
	}
	if v := os.Getenv("CRN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CRN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CRN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("CRN_HEALTH_ADDRESS"); v != "" {
		cfg.Health.Address = v
	}
	if v := os.Getenv("CRN_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("CRN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CRN_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("CRN_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CRN_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("CRN_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("CRN_TRACING_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = r
		}
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Simulation.Nodes < 1 {
		errs = append(errs, "simulation.nodes must be at least 1")
	}
	if c.Simulation.Tick <= 0 {
		errs = append(errs, "simulation.tick must be positive")
	}
	if c.Simulation.Duration < 0 {
		errs = append(errs, "simulation.duration must not be negative")
	}
	switch strings.ToLower(c.Simulation.Mode) {
	case "realtime", "accelerated":
	default:
		errs = append(errs, "simulation.mode must be realtime or accelerated")
	}

	if c.Spectrum.Channels < 1 {
		errs = append(errs, "spectrum.channels must be at least 1")
	}
	if c.Spectrum.SenseTime < 0 || c.Spectrum.TransmitTime < 0 || c.Spectrum.HandoffTime < 0 {
		errs = append(errs, "spectrum durations must not be negative")
	}
	if p := c.Spectrum.MisdetectionProbability; !(p >= 0 && p <= 1) {
		errs = append(errs, "spectrum.misdetection_probability must be within [0, 1]")
	}
	switch c.Spectrum.Policy {
	case "least_loaded", "random":
	default:
		errs = append(errs, "spectrum.policy must be least_loaded or random")
	}
	switch c.Spectrum.DecisionLayer {
	case "mac", "routing":
	default:
		errs = append(errs, "spectrum.decision_layer must be mac or routing")
	}

	if c.PrimaryUser.ActivityFile == "" && (c.PrimaryUser.MeanOn <= 0 || c.PrimaryUser.MeanOff <= 0) {
		errs = append(errs, "primary_user.mean_on and mean_off must be positive without an activity_file")
	}

	switch c.Repository.Backend {
	case "memory":
	case "mqtt":
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required for the mqtt repository")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required for the mqtt repository")
		}
	default:
		errs = append(errs, "repository.backend must be memory or mqtt")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when health is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics are enabled")
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, "tracing.sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
