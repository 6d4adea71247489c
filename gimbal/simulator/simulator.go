// Package simulator answers actuator commands on a bus like a pair of
// yaw/pitch servo actuators.
package simulator

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
	"github.com/w1xm/gimbal_interface/motor"
	"golang.org/x/sync/errgroup"
)

const (
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// Reported in byte 1 of every reply.
	temperature = 0x1E
)

// Fault makes the simulated actuators misbehave.
type Fault int

const (
	FaultNone Fault = iota
	// FaultSilent drops every reply.
	FaultSilent
	// FaultDuplicate sends every reply twice.
	FaultDuplicate
)

type actuator struct {
	position float64
	target   float64
	// speed in degrees/second; 0 moves in a single step
	speed float64
}

type Simulator struct {
	bus    canbus.Bus
	log    zerolog.Logger
	subID  string
	frames <-chan canbus.Frame

	mu        sync.Mutex
	actuators map[uint32]*actuator
	fault     Fault
	received  []canbus.Frame
}

// New simulates one actuator per address. bus should not echo frames the
// simulator sends back to it. The simulator listens from the moment New
// returns; frames sent before Run starts are answered once it does.
func New(bus canbus.Bus, log zerolog.Logger, addrs ...uint32) *Simulator {
	s := &Simulator{
		bus:       bus,
		log:       log,
		actuators: make(map[uint32]*actuator),
	}
	s.subID, s.frames = bus.Subscribe()
	for _, a := range addrs {
		s.actuators[a] = &actuator{}
	}
	return s
}

// SetPosition places the actuator at addr at pos with no move pending.
func (s *Simulator) SetPosition(addr uint32, pos int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actuators[addr]; ok {
		a.position = float64(pos)
		a.target = float64(pos)
	}
}

func (s *Simulator) Position(addr uint32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actuators[addr]; ok {
		return int32(math.Round(a.position))
	}
	return 0
}

func (s *Simulator) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Received returns the commands addressed to simulated actuators so far.
func (s *Simulator) Received() []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]canbus.Frame(nil), s.received...)
}

// Run answers commands until ctx is done or the bus closes. It may be
// called once.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.bus.Unsubscribe(s.subID)
	frames := s.frames
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(stepSize)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step()
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f, ok := <-frames:
				if !ok {
					return canbus.ErrClosed
				}
				for _, reply := range s.handle(f) {
					s.log.Debug().Stringer("frame", reply).Msg("sim->bus")
					if err := s.bus.Transmit(ctx, reply); err != nil {
						return err
					}
				}
			}
		}
	})
	return g.Wait()
}

func (s *Simulator) handle(f canbus.Frame) []canbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actuators[f.ID]
	if !ok {
		return nil
	}
	s.log.Debug().Stringer("frame", f).Msg("bus->sim")
	s.received = append(s.received, f)

	cmd, err := motor.DecodeCommand(f)
	if err != nil {
		s.log.Debug().Err(err).Msg("ignoring command")
		return nil
	}
	switch cmd.Opcode {
	case motor.AbsoluteMove:
		a.target = float64(cmd.Value)
		a.speed = float64(cmd.Speed)
	case motor.RelativeMove:
		a.target = a.target + float64(cmd.Value)
		a.speed = float64(cmd.Speed)
	}
	if s.fault == FaultSilent {
		return nil
	}
	reply := canbus.Frame{ID: f.ID}
	reply.Data[0] = f.Data[0]
	reply.Data[1] = temperature
	binary.LittleEndian.PutUint16(reply.Data[2:4], uint16(a.speed))
	pos := math.Round(a.position)
	if pos < 0 {
		pos = 0
	}
	binary.LittleEndian.PutUint16(reply.Data[4:6], uint16(math.Min(pos, math.MaxUint16)))
	if s.fault == FaultDuplicate {
		return []canbus.Frame{reply, reply}
	}
	return []canbus.Frame{reply}
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actuators {
		a.position = approach(a.position, a.target, a.speed)
	}
}

// approach moves pos toward target by at most one step at speed degrees
// per second.
func approach(pos, target, speed float64) float64 {
	if speed <= 0 {
		return target
	}
	delta := speed * 100 * stepSize.Seconds()
	switch {
	case target > pos+delta:
		return pos + delta
	case target < pos-delta:
		return pos - delta
	}
	return target
}
