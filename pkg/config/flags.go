package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags explicitly set on the
// command line override values from the file or environment.
type Flags struct {
	fs *pflag.FlagSet

	path            string
	baseURL         string
	authToken       string
	deviceID        string
	stepMs          int
	batchSize       int
	shortCooldownMs int
	longCooldownMs  int
	sensorType      string
	channel         int
	i2cBus          string
	i2cAddress      string
	sampleRate      int
	sampleCount     int
	gain            float64
	ntuMax          float64
	timeServer      string
	outputs         string
	mqttServer      string
	mqttUser        string
	mqttPass        string
	mqttClientID    string
	mqttTopic       string
	metricsAddr     string
	logLevel        string
	seed            int64
}

// RegisterFlags binds every overridable option to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.path, "config", "c", "", "Path to JSON or YAML config file")
	fs.StringVar(&f.baseURL, "base-url", "", "Controller base URL")
	fs.StringVar(&f.authToken, "token", "", "X-Auth-Token value")
	fs.StringVar(&f.deviceID, "device-id", "", "Device id sent with command polls")
	fs.IntVar(&f.stepMs, "step-ms", 0, "Tick interval in ms")
	fs.IntVar(&f.batchSize, "batch-size", 0, "Readings per session")
	fs.IntVar(&f.shortCooldownMs, "short-cooldown-ms", 0, "Wait after an idle poll in ms")
	fs.IntVar(&f.longCooldownMs, "long-cooldown-ms", 0, "Wait after an upload in ms")
	fs.StringVar(&f.sensorType, "sensor-type", "", "sensor type: real|simulation")
	fs.IntVar(&f.channel, "channel", 0, "ADS1115 input channel (0-3)")
	fs.StringVar(&f.i2cBus, "i2c-bus", "", "I2C bus (e.g., '2' -> /dev/i2c-2)")
	fs.StringVar(&f.i2cAddress, "i2c-address", "", "I2C address (decimal or 0x hex)")
	fs.IntVar(&f.sampleRate, "sample-rate", 0, "ADS1115 sample rate (SPS)")
	fs.IntVar(&f.sampleCount, "sample-count", 0, "ADC reads averaged per reading")
	fs.Float64Var(&f.gain, "calibration-gain", 0, "Divider gain applied to the measured voltage")
	fs.Float64Var(&f.ntuMax, "ntu-max", 0, "Upper clamp of the NTU curve")
	fs.StringVar(&f.timeServer, "time-server", "", "NTP server used to synchronize the clock")
	fs.StringVar(&f.outputs, "outputs", "", "Comma-separated batch mirrors (console,mqtt)")
	fs.StringVar(&f.mqttServer, "mqtt-server", "", "MQTT server (tcp://host:port)")
	fs.StringVar(&f.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&f.mqttPass, "mqtt-pass", "", "MQTT password")
	fs.StringVar(&f.mqttClientID, "mqtt-client-id", "", "MQTT client id")
	fs.StringVar(&f.mqttTopic, "mqtt-topic", "", "MQTT state topic")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus listen address (empty disables)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fs.Int64Var(&f.seed, "simulation-seed", 0, "Seed for the simulation sensor")
	return f
}

// Load resolves defaults, then the config file, then the environment, then
// explicitly set flags, and validates the result.
func (f *Flags) Load(lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	if f.path != "" {
		if err := LoadFile(&cfg, f.path); err != nil {
			return cfg, err
		}
	}
	ApplyEnv(&cfg, lookupEnv)
	if err := f.apply(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (f *Flags) set(name string) bool { return f.fs.Changed(name) }

func (f *Flags) apply(cfg *Config) error {
	if f.set("base-url") {
		cfg.BaseURL = f.baseURL
	}
	if f.set("token") {
		cfg.AuthToken = f.authToken
	}
	if f.set("device-id") {
		cfg.DeviceID = f.deviceID
	}
	if f.set("step-ms") {
		cfg.StepMs = f.stepMs
	}
	if f.set("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if f.set("short-cooldown-ms") {
		cfg.ShortCooldownMs = f.shortCooldownMs
	}
	if f.set("long-cooldown-ms") {
		cfg.LongCooldownMs = f.longCooldownMs
	}
	if f.set("sensor-type") {
		cfg.SensorType = f.sensorType
	}
	if f.set("channel") {
		cfg.Channel = f.channel
	}
	if f.set("i2c-bus") {
		cfg.I2C.Bus = f.i2cBus
	}
	if f.set("i2c-address") {
		v, err := parseIntOrHex(f.i2cAddress)
		if err != nil {
			return fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2C.Address = v
	}
	if f.set("sample-rate") {
		cfg.SampleRate = f.sampleRate
	}
	if f.set("sample-count") {
		cfg.SampleCount = f.sampleCount
	}
	if f.set("calibration-gain") {
		cfg.CalibrationGain = f.gain
	}
	if f.set("ntu-max") {
		cfg.NTUMax = f.ntuMax
	}
	if f.set("time-server") {
		cfg.TimeServer = f.timeServer
	}
	if f.set("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.set("simulation-seed") {
		cfg.SimulationSeed = f.seed
	}
	if f.set("outputs") {
		parts := parseCSV(f.outputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	f.applyMQTT(cfg)
	return nil
}

// applyMQTT maps mqtt flags onto every mqtt output, creating one if none
// exists.
func (f *Flags) applyMQTT(cfg *Config) {
	names := []string{"mqtt-server", "mqtt-user", "mqtt-pass", "mqtt-client-id", "mqtt-topic"}
	touched := false
	for _, n := range names {
		if f.set(n) {
			touched = true
			break
		}
	}
	if !touched {
		return
	}
	fill := func(m *MQTTConfig) {
		if f.set("mqtt-server") {
			m.Server = f.mqttServer
		}
		if f.set("mqtt-user") {
			m.Username = f.mqttUser
		}
		if f.set("mqtt-pass") {
			m.Password = f.mqttPass
		}
		if f.set("mqtt-client-id") {
			m.ClientID = f.mqttClientID
		}
		if f.set("mqtt-topic") {
			m.StateTopic = f.mqttTopic
		}
	}
	applied := false
	for i := range cfg.Outputs {
		if strings.ToLower(cfg.Outputs[i].Type) != OutputMQTT {
			continue
		}
		if cfg.Outputs[i].MQTT == nil {
			cfg.Outputs[i].MQTT = &MQTTConfig{}
		}
		fill(cfg.Outputs[i].MQTT)
		applied = true
	}
	if !applied {
		out := OutputConfig{Type: OutputMQTT, MQTT: &MQTTConfig{}}
		fill(out.MQTT)
		cfg.Outputs = append(cfg.Outputs, out)
	}
}
