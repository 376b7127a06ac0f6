package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/ericogr/ntu-session-agent/pkg/config"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// full scale of the ±4.096 V PGA setting, in millivolts
	pgaFSMilliVolts = 4096.0
)

// ADS1115Sensor reads single-shot conversions from an ADS1115 on I²C.
type ADS1115Sensor struct {
	dev        *i2c.Dev
	bus        i2c.BusCloser
	sampleRate int
	sleep      func(time.Duration)
}

func NewADS1115Sensor(cfg config.Config) (Sensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2C.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	dev := &i2c.Dev{Addr: uint16(cfg.I2C.Address), Bus: bus}
	return &ADS1115Sensor{dev: dev, bus: bus, sampleRate: cfg.SampleRate, sleep: time.Sleep}, nil
}

func (s *ADS1115Sensor) Close() error {
	if s.bus != nil {
		return s.bus.Close()
	}
	return nil
}

// ReadMilliVolts starts one conversion on channel and returns the result
// in millivolts.
func (s *ADS1115Sensor) ReadMilliVolts(channel int) (int, error) {
	msb, lsb, err := configForChannel(channel, s.sampleRate)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	// wait for conversion
	s.sleep(conversionDelay(s.sampleRate))
	readBuf := make([]byte, 2)
	if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	raw := int16(readBuf[0])<<8 | int16(readBuf[1])
	return rawToMilliVolts(raw), nil
}

func rawToMilliVolts(raw int16) int {
	return int(math.Round(float64(raw) * pgaFSMilliVolts / 32768.0))
}

func conversionDelay(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = 128
	}
	delayUs := 1000000/sampleRate + 500
	return time.Duration(delayUs) * time.Microsecond
}

func configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var cfg uint16 = 0x8000 // OS = 1 (start single conversion)
	cfg |= uint16(mux) << 12
	cfg |= uint16(pga) << 9
	cfg |= 1 << 8 // single-shot mode
	cfg |= uint16(dr) << 5
	// comparator disabled (bits 1:0 = 11)
	cfg |= 0x3
	return byte(cfg >> 8), byte(cfg & 0xFF), nil
}
