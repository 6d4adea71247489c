// Package gimbal positions the yaw and pitch axes of a pan/tilt head
// driven by servo actuators on a CAN bus.
package gimbal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/motor"
	"github.com/w1xm/gimbal_interface/rotator"
)

// Transactor runs one request/response exchange on the bus.
type Transactor interface {
	Do(ctx context.Context, req engine.Request) (canbus.Frame, error)
}

type Config struct {
	Yaw   AxisConfig
	Pitch AxisConfig
	// Epsilon is the distance in raw units under which an absolute move is
	// skipped. Default 50; negative skips only exact matches.
	Epsilon int32
	// StatusOpcode is the query sent by Position. Default 0x94.
	StatusOpcode motor.Opcode
	Rounding     rotator.Rounding
	// Timeout overrides the transactor's timeout when set.
	Timeout time.Duration
	Log     zerolog.Logger
}

type Controller struct {
	t   Transactor
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	axes [2]*axisState
}

func New(t Transactor, cfg Config) (*Controller, error) {
	if cfg.Yaw == (AxisConfig{}) {
		cfg.Yaw = DefaultYaw
	}
	if cfg.Pitch == (AxisConfig{}) {
		cfg.Pitch = DefaultPitch
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 50
	}
	if cfg.StatusOpcode == 0 {
		cfg.StatusOpcode = motor.QueryStatus
	}
	for _, a := range []AxisConfig{cfg.Yaw, cfg.Pitch} {
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	return &Controller{
		t:   t,
		cfg: cfg,
		log: cfg.Log,
		axes: [2]*axisState{
			rotator.Yaw:   {axis: rotator.Yaw, cfg: cfg.Yaw},
			rotator.Pitch: {axis: rotator.Pitch, cfg: cfg.Pitch},
		},
	}, nil
}

func (c *Controller) axis(a rotator.Axis) (*axisState, error) {
	if a < 0 || int(a) >= len(c.axes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAxis, int(a))
	}
	return c.axes[a], nil
}

func (c *Controller) do(ctx context.Context, f canbus.Frame) (canbus.Frame, error) {
	return c.t.Do(ctx, engine.Request{Frame: f, Timeout: c.cfg.Timeout})
}

// SetSpeed stores the speed used by later moves on axis. Nothing is sent.
func (c *Controller) SetSpeed(a rotator.Axis, speed float64) {
	s, err := c.axis(a)
	if err != nil {
		c.log.Warn().Err(err).Msg("set speed")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s.speed = motor.EncodeSpeed(speed)
	s.speedSet = true
	c.log.Debug().Stringer("axis", a).Uint16("speed", s.currentSpeed()).Msg("speed set")
}

// Speed returns the speed moves on axis use, the axis default until
// SetSpeed is called.
func (c *Controller) Speed(a rotator.Axis) uint16 {
	s, err := c.axis(a)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.currentSpeed()
}

// LastPosition returns the position from the last successful query or
// move, if any.
func (c *Controller) LastPosition(a rotator.Axis) (int32, bool) {
	s, err := c.axis(a)
	if err != nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.position, s.known
}

func (c *Controller) setPosition(s *axisState, pos int32) {
	c.mu.Lock()
	s.position = pos
	s.known = true
	c.mu.Unlock()
}

// setSetpoint records a commanded position. It also becomes the last known
// position until the next query.
func (c *Controller) setSetpoint(s *axisState, pos int32) {
	c.mu.Lock()
	s.position = pos
	s.known = true
	s.setpoint = pos
	s.setpointSet = true
	c.mu.Unlock()
}

func (c *Controller) SetLimits(a rotator.Axis, min, max int32) error {
	s, err := c.axis(a)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := s.cfg
	cfg.Min, cfg.Max = min, max
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", a, err)
	}
	s.cfg = cfg
	c.log.Info().Stringer("axis", a).Int32("min", min).Int32("max", max).Msg("limits set")
	return nil
}

func (c *Controller) Limits(a rotator.Axis) (int32, int32) {
	s, err := c.axis(a)
	if err != nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.cfg.Min, s.cfg.Max
}

// Position queries the actuator for its current position.
func (c *Controller) Position(ctx context.Context, a rotator.Axis) (int32, error) {
	s, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	cmd := motor.Command{Opcode: c.cfg.StatusOpcode}
	resp, err := c.do(ctx, cmd.Frame(s.cfg.Address))
	if err != nil {
		return 0, fmt.Errorf("querying %s: %w", a, err)
	}
	pos, err := motor.ParseStatus(resp.Data[:])
	if err != nil {
		return 0, fmt.Errorf("querying %s: %w", a, err)
	}
	c.setPosition(s, pos)
	return pos, nil
}

// MoveAbsolute moves axis to target, clamped to the axis limits, and
// returns the commanded position. Targets within Epsilon of the current
// position are not sent.
func (c *Controller) MoveAbsolute(ctx context.Context, a rotator.Axis, target int32) (int32, error) {
	s, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	s.moveMu.Lock()
	defer s.moveMu.Unlock()
	current, err := c.Position(ctx, a)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	clamped := s.clamp(int64(target))
	speed := s.currentSpeed()
	addr := s.cfg.Address
	c.mu.Unlock()

	log := c.log.With().Stringer("axis", a).Int32("current", current).Int32("target", clamped).Logger()
	if d := clamped - current; d == 0 || (d > -c.cfg.Epsilon && d < c.cfg.Epsilon) {
		log.Debug().Msg("already in position")
		return current, nil
	}
	cmd := motor.MoveTo(clamped, current, speed)
	if _, err := c.do(ctx, cmd.Frame(addr)); err != nil {
		return 0, fmt.Errorf("moving %s to %d: %w", a, clamped, err)
	}
	log.Info().Uint16("speed", speed).Msg("moved")
	c.setSetpoint(s, clamped)
	return clamped, nil
}

// Hold commands axis to stay at its current position, which stops a move
// in progress.
func (c *Controller) Hold(ctx context.Context, a rotator.Axis) (int32, error) {
	s, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	s.moveMu.Lock()
	defer s.moveMu.Unlock()
	current, err := c.Position(ctx, a)
	if err != nil {
		return 0, err
	}
	cmd := motor.MoveTo(current, current, c.Speed(a))
	if _, err := c.do(ctx, cmd.Frame(s.cfg.Address)); err != nil {
		return 0, fmt.Errorf("holding %s at %d: %w", a, current, err)
	}
	c.log.Info().Stringer("axis", a).Int32("position", current).Msg("holding")
	c.setSetpoint(s, current)
	return current, nil
}

// MoveRelative moves axis by offset. The offset applies to the position
// last commanded on the axis, or to the reported position before any move,
// so back-to-back relative moves add up even while the actuator is still
// travelling. It is shortened so the final position stays within the axis
// limits; the final position is returned.
func (c *Controller) MoveRelative(ctx context.Context, a rotator.Axis, offset int32) (int32, error) {
	s, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	s.moveMu.Lock()
	defer s.moveMu.Unlock()
	current, err := c.Position(ctx, a)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	base := current
	if s.setpointSet {
		base = s.setpoint
	}
	final := s.clamp(int64(base) + int64(offset))
	speed := s.currentSpeed()
	addr := s.cfg.Address
	c.mu.Unlock()

	log := c.log.With().Stringer("axis", a).Int32("current", current).Int32("base", base).Int32("offset", offset).Logger()
	clamped := final - base
	if clamped == 0 {
		log.Debug().Msg("nothing to move")
		return base, nil
	}
	cmd := motor.MoveBy(clamped, speed)
	if _, err := c.do(ctx, cmd.Frame(addr)); err != nil {
		return 0, fmt.Errorf("moving %s by %d: %w", a, clamped, err)
	}
	log.Info().Int32("final", final).Uint16("speed", speed).Msg("moved")
	c.setSetpoint(s, final)
	return final, nil
}

func (c *Controller) MoveAbsoluteDegrees(ctx context.Context, a rotator.Axis, deg float64) (float64, error) {
	pos, err := c.MoveAbsolute(ctx, a, rotator.ToRaw(deg, c.cfg.Rounding))
	return rotator.ToDegrees(pos), err
}

func (c *Controller) MoveRelativeDegrees(ctx context.Context, a rotator.Axis, deg float64) (float64, error) {
	pos, err := c.MoveRelative(ctx, a, rotator.ToRaw(deg, c.cfg.Rounding))
	return rotator.ToDegrees(pos), err
}

// Configure sends a set-and-report command carrying a 16-bit angle and
// returns the position the actuator reports.
func (c *Controller) Configure(ctx context.Context, a rotator.Axis, angle uint16) (int32, error) {
	s, err := c.axis(a)
	if err != nil {
		return 0, err
	}
	cmd := motor.Command{Opcode: motor.Configure, Speed: c.Speed(a), Value: int32(angle)}
	resp, err := c.do(ctx, cmd.Frame(s.cfg.Address))
	if err != nil {
		return 0, fmt.Errorf("configuring %s: %w", a, err)
	}
	pos, err := motor.ParseStatus(resp.Data[:])
	if err != nil {
		return 0, fmt.Errorf("configuring %s: %w", a, err)
	}
	c.setPosition(s, pos)
	return pos, nil
}

// Execute runs a raw frame as a transaction and returns the response.
func (c *Controller) Execute(ctx context.Context, f canbus.Frame) (canbus.Frame, error) {
	return c.do(ctx, f)
}

// Track moves both axes by relative offsets in degrees, updating their
// speeds first when given. Zero offsets are skipped.
func (c *Controller) Track(ctx context.Context, req rotator.TrackRequest) (rotator.Status, error) {
	moves := []struct {
		axis   rotator.Axis
		offset float64
		speed  *float64
	}{
		{rotator.Yaw, req.YawOffset, req.YawSpeed},
		{rotator.Pitch, req.PitchOffset, req.PitchSpeed},
	}
	for _, m := range moves {
		if m.speed != nil {
			c.SetSpeed(m.axis, *m.speed)
		}
		offset := rotator.ToRaw(m.offset, c.cfg.Rounding)
		if offset == 0 {
			continue
		}
		if _, err := c.MoveRelative(ctx, m.axis, offset); err != nil {
			return c.Snapshot(), fmt.Errorf("tracking: %w", err)
		}
	}
	return c.Snapshot(), nil
}

// Snapshot returns the last known state without touching the bus.
func (c *Controller) Snapshot() rotator.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	y, p := c.axes[rotator.Yaw], c.axes[rotator.Pitch]
	return rotator.Status{
		Time:          time.Now(),
		YawPosition:   y.position,
		PitchPosition: p.position,
		YawSpeed:      y.currentSpeed(),
		PitchSpeed:    p.currentSpeed(),
	}
}
