package sensor

import (
	"fmt"

	"github.com/ericogr/ntu-session-agent/pkg/config"
)

// Sensor is the raw acquisition capability: one millivolt reading from an
// analog channel per call.
type Sensor interface {
	ReadMilliVolts(channel int) (int, error)
	Close() error
}

// New builds the sensor selected by cfg.SensorType.
func New(cfg config.Config) (Sensor, error) {
	switch cfg.SensorType {
	case config.SensorReal:
		return NewADS1115Sensor(cfg)
	case config.SensorSimulation:
		return NewSimulatedSensor(cfg), nil
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}
