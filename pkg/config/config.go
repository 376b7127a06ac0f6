package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"

	envPrefix = "NTU_AGENT_"
)

type I2CConfig struct {
	Bus     string `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
}

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic,omitempty" yaml:"discovery_topic,omitempty"`
	DiscoveryName     string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty"`
	DiscoveryUniqueID string `json:"discovery_unique_id,omitempty" yaml:"discovery_unique_id,omitempty"`
}

type OutputConfig struct {
	Type string      `json:"type" yaml:"type"`
	MQTT *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type Config struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	AuthToken   string `json:"auth_token" yaml:"auth_token"`
	DeviceID    string `json:"device_id" yaml:"device_id"`
	CommandPath string `json:"command_path" yaml:"command_path"`
	SessionPath string `json:"session_path" yaml:"session_path"`

	StepMs          int `json:"step_ms" yaml:"step_ms"`
	BatchSize       int `json:"batch_size" yaml:"batch_size"`
	ShortCooldownMs int `json:"short_cooldown_ms" yaml:"short_cooldown_ms"`
	LongCooldownMs  int `json:"long_cooldown_ms" yaml:"long_cooldown_ms"`
	PollTimeoutMs   int `json:"poll_timeout_ms" yaml:"poll_timeout_ms"`
	UploadTimeoutMs int `json:"upload_timeout_ms" yaml:"upload_timeout_ms"`

	SensorType      string    `json:"sensor_type" yaml:"sensor_type"`
	Channel         int       `json:"channel" yaml:"channel"`
	I2C             I2CConfig `json:"i2c" yaml:"i2c"`
	SampleRate      int       `json:"sample_rate" yaml:"sample_rate"`
	SampleCount     int       `json:"sample_count" yaml:"sample_count"`
	SampleDelayMs   int       `json:"sample_delay_ms" yaml:"sample_delay_ms"`
	CalibrationGain float64   `json:"calibration_gain" yaml:"calibration_gain"`
	NTUMax          float64   `json:"ntu_max" yaml:"ntu_max"`
	SimulationSeed  int64     `json:"simulation_seed,omitempty" yaml:"simulation_seed,omitempty"`

	TimeServer        string `json:"time_server" yaml:"time_server"`
	TimeSyncTimeoutMs int    `json:"time_sync_timeout_ms" yaml:"time_sync_timeout_ms"`

	Outputs  []OutputConfig `json:"outputs" yaml:"outputs"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// DefaultConfig mirrors the reference probe: 60 readings, 5 s apart,
// 20 ADC reads averaged per reading.
func DefaultConfig() Config {
	return Config{
		CommandPath:       "/command",
		SessionPath:       "/session",
		StepMs:            5000,
		BatchSize:         60,
		ShortCooldownMs:   5000,
		LongCooldownMs:    60000,
		PollTimeoutMs:     10000,
		UploadTimeoutMs:   15000,
		SensorType:        SensorReal,
		Channel:           0,
		I2C:               I2CConfig{Bus: "2", Address: 0x48},
		SampleRate:        860,
		SampleCount:       20,
		SampleDelayMs:     2,
		CalibrationGain:   1.0,
		NTUMax:            4000,
		TimeServer:        "pool.ntp.org",
		TimeSyncTimeoutMs: 5000,
		Outputs:           []OutputConfig{{Type: OutputConsole}},
		LogLevel:          "info",
	}
}

// LoadFile merges the file at path over cfg. Files ending in .yaml or .yml
// are YAML, anything else is JSON.
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// ApplyEnv overrides connection settings from NTU_AGENT_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(envPrefix + "BASE_URL"); ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := lookup(envPrefix + "AUTH_TOKEN"); ok && v != "" {
		cfg.AuthToken = v
	}
	if v, ok := lookup(envPrefix + "DEVICE_ID"); ok {
		cfg.DeviceID = v
	}
}

var validSampleRates = map[int]bool{8: true, 16: true, 32: true, 64: true, 128: true, 250: true, 475: true, 860: true}

func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.StepMs <= 0 {
		errs = append(errs, errors.New("step_ms must be > 0"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be > 0"))
	}
	if c.ShortCooldownMs < 0 || c.LongCooldownMs < 0 {
		errs = append(errs, errors.New("cooldowns must be >= 0"))
	}
	if c.PollTimeoutMs < 0 || c.UploadTimeoutMs < 0 || c.TimeSyncTimeoutMs < 0 {
		errs = append(errs, errors.New("timeouts must be >= 0"))
	}
	if c.SampleCount <= 0 {
		errs = append(errs, errors.New("sample_count must be > 0"))
	}
	if c.SampleDelayMs < 0 {
		errs = append(errs, errors.New("sample_delay_ms must be >= 0"))
	}
	if c.CalibrationGain <= 0 {
		errs = append(errs, errors.New("calibration_gain must be > 0"))
	}
	if c.NTUMax <= 0 {
		errs = append(errs, errors.New("ntu_max must be > 0"))
	}
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("sensor_type %q: want %s|%s", c.SensorType, SensorReal, SensorSimulation))
	}
	if c.Channel < 0 || c.Channel > 3 {
		errs = append(errs, fmt.Errorf("invalid channel %d", c.Channel))
	}
	if c.SensorType == SensorReal && !validSampleRates[c.SampleRate] {
		errs = append(errs, fmt.Errorf("unsupported sample_rate %d", c.SampleRate))
	}
	for i, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case OutputConsole:
		case OutputMQTT:
			if o.MQTT == nil || o.MQTT.Server == "" {
				errs = append(errs, fmt.Errorf("outputs[%d]: mqtt server is required", i))
			}
		default:
			errs = append(errs, fmt.Errorf("outputs[%d]: unknown type %q", i, o.Type))
		}
	}
	return errors.Join(errs...)
}

func (c Config) Step() time.Duration          { return ms(c.StepMs) }
func (c Config) ShortCooldown() time.Duration { return ms(c.ShortCooldownMs) }
func (c Config) LongCooldown() time.Duration  { return ms(c.LongCooldownMs) }
func (c Config) PollTimeout() time.Duration   { return ms(c.PollTimeoutMs) }
func (c Config) UploadTimeout() time.Duration { return ms(c.UploadTimeoutMs) }
func (c Config) SampleDelay() time.Duration   { return ms(c.SampleDelayMs) }
func (c Config) TimeSyncTimeout() time.Duration {
	return ms(c.TimeSyncTimeoutMs)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func parseIntOrHex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	return strconv.Atoi(s)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
