package rotator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Axis int

const (
	Yaw Axis = iota
	Pitch
)

// Axes lists every axis in order.
var Axes = []Axis{Yaw, Pitch}

func (a Axis) String() string {
	switch a {
	case Yaw:
		return "yaw"
	case Pitch:
		return "pitch"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "yaw", "az", "azimuth", "pan":
		return Yaw, nil
	case "pitch", "el", "elevation", "tilt":
		return Pitch, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// Positioner moves the axes of a pan/tilt head. Positions are raw units,
// hundredths of a degree.
type Positioner interface {
	MoveAbsolute(ctx context.Context, axis Axis, target int32) (int32, error)
	MoveRelative(ctx context.Context, axis Axis, offset int32) (int32, error)
	SetSpeed(axis Axis, speed float64)
	Speed(axis Axis) uint16
	Position(ctx context.Context, axis Axis) (int32, error)
}

type StatusCallback func(status Status)

type Status struct {
	Time          time.Time
	YawPosition   int32
	PitchPosition int32
	YawSpeed      uint16
	PitchSpeed    uint16
	// Errors holds the last query error per axis, if any.
	Errors map[string]string `json:",omitempty"`
}

func (s Status) Position(axis Axis) int32 {
	if axis == Pitch {
		return s.PitchPosition
	}
	return s.YawPosition
}

func (s Status) YawDegrees() float64 {
	return ToDegrees(s.YawPosition)
}

func (s Status) PitchDegrees() float64 {
	return ToDegrees(s.PitchPosition)
}

// TrackRequest moves both axes by relative offsets in degrees. A nil speed
// keeps the axis's current speed.
type TrackRequest struct {
	YawOffset   float64
	PitchOffset float64
	YawSpeed    *float64
	PitchSpeed  *float64
}

type Tracker interface {
	Track(ctx context.Context, req TrackRequest) (Status, error)
}

type Limiter interface {
	SetLimits(axis Axis, min, max int32) error
	Limits(axis Axis) (min, max int32)
}
