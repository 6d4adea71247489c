package gimbal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/w1xm/gimbal_interface/motor"
	"github.com/w1xm/gimbal_interface/rotator"
)

var ErrUnknownAxis = errors.New("unknown axis")

// AxisConfig describes one actuator. Positions are raw units.
type AxisConfig struct {
	Address      uint32
	Min          int32
	Max          int32
	DefaultSpeed uint16
}

var (
	DefaultYaw = AxisConfig{
		Address:      0x141,
		Min:          900,
		Max:          34000,
		DefaultSpeed: motor.DefaultSpeed,
	}
	DefaultPitch = AxisConfig{
		Address:      0x142,
		Min:          900,
		Max:          17500,
		DefaultSpeed: motor.DefaultSpeed,
	}
)

func (c AxisConfig) Validate() error {
	if c.Address == 0 {
		return errors.New("axis address not set")
	}
	if c.Min >= c.Max {
		return fmt.Errorf("axis limits [%d, %d] are empty", c.Min, c.Max)
	}
	return nil
}

type axisState struct {
	axis rotator.Axis

	// moveMu is held from the status query to the move command, so moves
	// on one axis see each other's results.
	moveMu sync.Mutex

	cfg AxisConfig

	speed    [2]byte
	speedSet bool

	position int32
	known    bool

	// setpoint is the last position commanded by a move.
	setpoint    int32
	setpointSet bool
}

func (s *axisState) clamp(v int64) int32 {
	switch {
	case v < int64(s.cfg.Min):
		return s.cfg.Min
	case v > int64(s.cfg.Max):
		return s.cfg.Max
	}
	return int32(v)
}

func (s *axisState) currentSpeed() uint16 {
	if !s.speedSet {
		return s.cfg.DefaultSpeed
	}
	return motor.DecodeSpeed(s.speed[:])
}
