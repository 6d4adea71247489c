// Package engine runs request/response transactions over a shared bus, one
// at a time.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
)

type Config struct {
	// Timeout bounds the wait for a response. Default 1s.
	Timeout time.Duration
	// Settle is the quiet time after each transaction before the bus is
	// handed to the next caller. Default 50ms; negative disables it.
	Settle time.Duration
	// Policy is the correlation policy for requests that do not pick one.
	// Default PolicyPaired.
	Policy Policy
	// QueueDepth bounds the Submit queue. Default 64.
	QueueDepth int
	Log        zerolog.Logger
}

// Request is one frame to send and wait on. Zero fields take the engine's
// defaults.
type Request struct {
	Frame   canbus.Frame
	Timeout time.Duration
	Policy  Policy
}

type Result struct {
	Frame canbus.Frame
	Err   error
}

type queued struct {
	req    Request
	result chan Result
}

// Engine serializes transactions on a bus. Direct callers use Do; callers
// that should not block use Submit, drained by Run.
type Engine struct {
	bus canbus.Bus
	cfg Config
	log zerolog.Logger

	gate        Gate
	outstanding atomic.Bool
	queue       chan queued
}

func New(bus canbus.Bus, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Settle == 0 {
		cfg.Settle = 50 * time.Millisecond
	}
	if cfg.Policy == PolicyDefault {
		cfg.Policy = PolicyPaired
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Engine{
		bus:   bus,
		cfg:   cfg,
		log:   cfg.Log,
		queue: make(chan queued, cfg.QueueDepth),
	}
}

// Bus returns the bus the engine transacts on.
func (e *Engine) Bus() canbus.Bus {
	return e.bus
}

// Policy returns the default correlation policy.
func (e *Engine) Policy() Policy {
	return e.cfg.Policy
}

// Do runs one transaction and returns the response frame. If ctx ends
// after the request was sent, the transaction still runs to completion
// but Do returns ctx.Err() without waiting for it.
func (e *Engine) Do(ctx context.Context, req Request) (canbus.Frame, error) {
	if err := e.gate.Acquire(ctx); err != nil {
		return canbus.Frame{}, err
	}
	result := make(chan Result, 1)
	go e.run(req, result)
	select {
	case r := <-result:
		return r.Frame, r.Err
	case <-ctx.Done():
		return canbus.Frame{}, ctx.Err()
	}
}

// Submit queues req and returns a channel that receives its result once.
func (e *Engine) Submit(ctx context.Context, req Request) (<-chan Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := queued{req: req, result: make(chan Result, 1)}
	select {
	case e.queue <- q:
		return q.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// Run drains the Submit queue until ctx is done. Requests still queued
// then fail with ctx's error.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return ctx.Err()
		case q := <-e.queue:
			if err := e.gate.Acquire(ctx); err != nil {
				q.result <- Result{Err: err}
				continue
			}
			e.run(q.req, q.result)
		}
	}
}

func (e *Engine) drain(err error) {
	for {
		select {
		case q := <-e.queue:
			q.result <- Result{Err: err}
		default:
			return
		}
	}
}

// Send transmits f under the gate without waiting for a response.
func (e *Engine) Send(ctx context.Context, f canbus.Frame) error {
	if err := e.gate.Acquire(ctx); err != nil {
		return err
	}
	err := e.bus.Transmit(ctx, f)
	go func() {
		defer e.gate.Release()
		e.settle()
	}()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransmitFailed, err)
	}
	e.log.Debug().Stringer("frame", f).Msg("sent")
	return nil
}

// Pending returns the number of callers waiting for the bus.
func (e *Engine) Pending() int {
	return e.gate.Waiting() + len(e.queue)
}

// run must be called holding the gate. It releases the gate after the
// settle delay.
func (e *Engine) run(req Request, result chan<- Result) {
	defer e.gate.Release()
	result <- e.execute(req)
	e.settle()
}

func (e *Engine) settle() {
	if e.cfg.Settle > 0 {
		time.Sleep(e.cfg.Settle)
	}
}

func (e *Engine) execute(req Request) Result {
	id := uuid.NewString()
	fail := func(err error) Result {
		return Result{Err: &TransactionError{ID: id, Frame: req.Frame, Err: err}}
	}
	if !e.outstanding.CompareAndSwap(false, true) {
		return fail(ErrConflictingTransaction)
	}
	defer e.outstanding.Store(false)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	policy := req.Policy
	if policy == PolicyDefault {
		policy = e.cfg.Policy
	}
	log := e.log.With().Str("txn", id).Stringer("frame", req.Frame).Logger()

	subID, frames := e.bus.Subscribe()
	defer e.bus.Unsubscribe(subID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.bus.Transmit(ctx, req.Frame); err != nil {
		log.Warn().Err(err).Msg("transmit failed")
		return fail(fmt.Errorf("%w: %w", ErrTransmitFailed, err))
	}
	log.Debug().Stringer("policy", policy).Msg("sent")

	c := &correlator{out: req.Frame, policy: policy}
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return fail(canbus.ErrClosed)
			}
			done, resp, err := c.observe(f)
			if !done {
				continue
			}
			if err != nil {
				log.Warn().Err(err).Msg("response rejected")
				return fail(err)
			}
			log.Debug().Stringer("response", resp).Msg("resolved")
			return Result{Frame: resp}
		case <-ctx.Done():
			log.Warn().Dur("timeout", timeout).Msg("timed out")
			return fail(ErrTimeout)
		}
	}
}
