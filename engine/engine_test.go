package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/gimbal_interface/canbus"
)

// scriptBus answers every transmitted frame with the frames returned by
// reply, published in order after delay.
type scriptBus struct {
	canbus.Mux
	reply func(canbus.Frame) []canbus.Frame
	delay time.Duration
	err   error

	mu   sync.Mutex
	sent []canbus.Frame
	// open is set from a transmit until its last reply is published.
	open     bool
	overlaps int
}

func (b *scriptBus) Transmit(ctx context.Context, f canbus.Frame) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	b.sent = append(b.sent, f)
	if b.open {
		b.overlaps++
	}
	b.open = true
	b.mu.Unlock()

	var frames []canbus.Frame
	if b.reply != nil {
		frames = b.reply(f)
	}
	go func() {
		time.Sleep(b.delay)
		for i, r := range frames {
			if i == len(frames)-1 {
				b.setClosed()
			}
			b.Publish(r)
		}
		if len(frames) == 0 {
			b.setClosed()
		}
	}()
	return nil
}

func (b *scriptBus) setClosed() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

func (b *scriptBus) Close() error {
	b.Shutdown()
	return nil
}

func (b *scriptBus) Sent() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.sent...)
}

func ack(f canbus.Frame) canbus.Frame {
	f.Data[7] = ^f.Data[7]
	return f
}

func echoThenAck(f canbus.Frame) []canbus.Frame {
	return []canbus.Frame{f, ack(f)}
}

var (
	status = canbus.MustParseFrame("141#94.00.00.00.00.00.00.00")
	other  = canbus.MustParseFrame("142#94.00.00.00.28.23.00.00")
)

func testConfig() Config {
	return Config{Timeout: 100 * time.Millisecond, Settle: -1}
}

func TestPairedPolicy(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(canbus.Frame) []canbus.Frame
		want    canbus.Frame
		wantErr error
	}{
		{
			name:  "echo then ack",
			reply: echoThenAck,
			want:  ack(status),
		},
		{
			name: "ack then echo",
			reply: func(f canbus.Frame) []canbus.Frame {
				return []canbus.Frame{ack(f), f}
			},
			want: ack(status),
		},
		{
			name: "other address ignored",
			reply: func(f canbus.Frame) []canbus.Frame {
				return []canbus.Frame{other, f, other, ack(f)}
			},
			want: ack(status),
		},
		{
			name: "third frame ignored",
			reply: func(f canbus.Frame) []canbus.Frame {
				late := ack(f)
				late.Data[6] = 0x55
				return []canbus.Frame{f, ack(f), late}
			},
			want: ack(status),
		},
		{
			name: "two echoes",
			reply: func(f canbus.Frame) []canbus.Frame {
				return []canbus.Frame{f, f}
			},
			wantErr: ErrUnexpectedResponse,
		},
		{
			name: "no echo",
			reply: func(f canbus.Frame) []canbus.Frame {
				return []canbus.Frame{ack(f), ack(ack(ack(f)))}
			},
			wantErr: ErrUnexpectedResponse,
		},
		{
			name: "echo only",
			reply: func(f canbus.Frame) []canbus.Frame {
				return []canbus.Frame{f}
			},
			wantErr: ErrTimeout,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bus := &scriptBus{reply: test.reply}
			e := New(bus, testConfig())
			got, err := e.Do(context.Background(), Request{Frame: status})
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				var terr *TransactionError
				require.True(t, errors.As(err, &terr))
				assert.Equal(t, status, terr.Frame)
				assert.NotEmpty(t, terr.ID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
			assert.Equal(t, []canbus.Frame{status}, bus.Sent())
		})
	}
}

func TestSinglePolicy(t *testing.T) {
	wrongOpcode := status
	wrongOpcode.Data[0] = 0xA6
	wrongOpcode.Data[7] = 0x11
	bus := &scriptBus{reply: func(f canbus.Frame) []canbus.Frame {
		return []canbus.Frame{f, other, wrongOpcode, ack(f), ack(ack(ack(f)))}
	}}
	e := New(bus, Config{Timeout: 100 * time.Millisecond, Settle: -1, Policy: PolicySingle})
	assert.Equal(t, PolicySingle, e.Policy())
	got, err := e.Do(context.Background(), Request{Frame: status})
	require.NoError(t, err)
	assert.Equal(t, ack(status), got)

	bus.reply = func(f canbus.Frame) []canbus.Frame { return []canbus.Frame{f, f} }
	_, err = e.Do(context.Background(), Request{Frame: status})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestOverridesPolicy(t *testing.T) {
	bus := &scriptBus{reply: func(f canbus.Frame) []canbus.Frame {
		return []canbus.Frame{ack(f)}
	}}
	e := New(bus, testConfig())
	_, err := e.Do(context.Background(), Request{Frame: status})
	assert.ErrorIs(t, err, ErrTimeout)

	got, err := e.Do(context.Background(), Request{Frame: status, Policy: PolicySingle})
	require.NoError(t, err)
	assert.Equal(t, ack(status), got)
}

func TestTimeoutReleasesBus(t *testing.T) {
	bus := &scriptBus{}
	e := New(bus, Config{Timeout: 30 * time.Millisecond, Settle: time.Millisecond})

	start := time.Now()
	_, err := e.Do(context.Background(), Request{Frame: status})
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	bus.reply = echoThenAck
	got, err := e.Do(context.Background(), Request{Frame: status, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, ack(status), got)
}

func TestTransmitFailure(t *testing.T) {
	bus := &scriptBus{err: errors.New("interface down")}
	e := New(bus, testConfig())
	_, err := e.Do(context.Background(), Request{Frame: status})
	assert.ErrorIs(t, err, ErrTransmitFailed)
	assert.ErrorContains(t, err, "interface down")
	assert.Equal(t, 0, bus.Subscribers(), "subscription released")

	bus.err = nil
	bus.reply = echoThenAck
	_, err = e.Do(context.Background(), Request{Frame: status})
	assert.NoError(t, err)
}

func TestConflictingTransaction(t *testing.T) {
	bus := &scriptBus{reply: echoThenAck}
	e := New(bus, testConfig())
	e.outstanding.Store(true)
	_, err := e.Do(context.Background(), Request{Frame: status})
	assert.ErrorIs(t, err, ErrConflictingTransaction)
	assert.Empty(t, bus.Sent())
}

func TestBusClosedDuringTransaction(t *testing.T) {
	bus := &scriptBus{}
	e := New(bus, testConfig())
	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Close()
	}()
	_, err := e.Do(context.Background(), Request{Frame: status, Timeout: time.Second})
	assert.ErrorIs(t, err, canbus.ErrClosed)
}

func TestNoInterleavedTransactions(t *testing.T) {
	bus := &scriptBus{reply: echoThenAck, delay: 2 * time.Millisecond}
	e := New(bus, Config{Timeout: time.Second, Settle: time.Millisecond})

	const n = 20
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := status
			f.Data[1] = byte(i)
			got, err := e.Do(context.Background(), Request{Frame: f})
			if err != nil || got != ack(f) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.Len(t, bus.Sent(), n)
	bus.mu.Lock()
	assert.Zero(t, bus.overlaps)
	bus.mu.Unlock()
}

func TestCallerGivesUp(t *testing.T) {
	bus := &scriptBus{reply: echoThenAck, delay: 50 * time.Millisecond}
	e := New(bus, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Do(ctx, Request{Frame: status})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned transaction still holds the bus until it resolves.
	assert.False(t, e.gate.TryAcquire())
	got, err := e.Do(context.Background(), Request{Frame: status})
	require.NoError(t, err)
	assert.Equal(t, ack(status), got)
	assert.Len(t, bus.Sent(), 2)
}

func TestSubmitRunsInOrder(t *testing.T) {
	bus := &scriptBus{reply: echoThenAck}
	e := New(bus, Config{Timeout: time.Second, Settle: time.Millisecond, QueueDepth: 3})

	var results []<-chan Result
	for i := 0; i < 3; i++ {
		f := status
		f.Data[1] = byte(i)
		r, err := e.Submit(context.Background(), Request{Frame: f})
		require.NoError(t, err)
		results = append(results, r)
	}
	_, err := e.Submit(context.Background(), Request{Frame: status})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, e.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx) }()

	for i, r := range results {
		res := <-r
		require.NoError(t, res.Err)
		assert.Equal(t, byte(i), res.Frame.Data[1])
	}
	sent := bus.Sent()
	require.Len(t, sent, 3)
	for i, f := range sent {
		assert.Equal(t, byte(i), f.Data[1])
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunFailsQueuedOnShutdown(t *testing.T) {
	e := New(&scriptBus{}, testConfig())
	r, err := e.Submit(context.Background(), Request{Frame: status})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, e.gate.TryAcquire())
	assert.ErrorIs(t, e.Run(ctx), context.Canceled)
	res := <-r
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestSend(t *testing.T) {
	bus := &scriptBus{}
	e := New(bus, testConfig())
	require.NoError(t, e.Send(context.Background(), status))
	assert.Equal(t, []canbus.Frame{status}, bus.Sent())

	bus.err = errors.New("boom")
	assert.ErrorIs(t, e.Send(context.Background(), status), ErrTransmitFailed)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyDefault, "paired": PolicyPaired, "Single": PolicySingle} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("triple")
	assert.Error(t, err)
}
