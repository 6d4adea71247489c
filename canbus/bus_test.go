package canbus

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func none(t *testing.T, ch <-chan Frame) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubEcho(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	host := hub.Endpoint(true)
	peer := hub.Endpoint(false)
	defer host.Close()
	defer peer.Close()

	_, hostFrames := host.Subscribe()
	_, peerFrames := peer.Subscribe()

	cmd := MustParseFrame("141#94.00.00.00.00.00.00.00")
	require.NoError(t, host.Transmit(ctx, cmd))
	assert.Equal(t, cmd, next(t, hostFrames), "host sees its own frame")
	assert.Equal(t, cmd, next(t, peerFrames))

	ack := MustParseFrame("141#94.00.00.00.28.23.00.00")
	require.NoError(t, peer.Transmit(ctx, ack))
	assert.Equal(t, ack, next(t, hostFrames))
	none(t, peerFrames)
}

func TestMuxUnsubscribeAndClose(t *testing.T) {
	hub := NewHub()
	e := hub.Endpoint(true)
	id, ch := e.Subscribe()
	_, other := e.Subscribe()
	assert.Equal(t, 2, e.Subscribers())

	e.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	e.Unsubscribe(id)

	require.NoError(t, e.Close())
	_, ok = <-other
	assert.False(t, ok)
	assert.ErrorIs(t, e.Transmit(context.Background(), Frame{ID: 0x141}), ErrClosed)

	_, late := e.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close are closed")
	require.NoError(t, e.Close())
}

func TestMuxDropsForSlowSubscriber(t *testing.T) {
	var m Mux
	_, ch := m.Subscribe()
	for i := 0; i < SubscriberBuffer+10; i++ {
		m.Publish(Frame{ID: uint32(i)})
	}
	assert.Len(t, ch, SubscriberBuffer)
	assert.Equal(t, uint32(0), (<-ch).ID)
}

func TestCapture(t *testing.T) {
	var sent []Frame
	var w *io.PipeWriter
	c := NewCapture(CaptureConfig{
		Interface:  "can0",
		Window:     200 * time.Millisecond,
		StartDelay: time.Millisecond,
		Dump: func(ctx context.Context, iface string) (io.ReadCloser, func() error, error) {
			assert.Equal(t, "can0", iface)
			r, pw := io.Pipe()
			w = pw
			go func() {
				<-ctx.Done()
				pw.Close()
			}()
			return r, func() error { return nil }, nil
		},
		Send: func(ctx context.Context, iface string, f Frame) error {
			sent = append(sent, f)
			go func() {
				fmt.Fprintf(w, "  %s  %03X   [8]  % X\n", iface, f.ID, f.Data[:])
				fmt.Fprintln(w, "garbage")
				fmt.Fprintf(w, "  %s  %03X   [8]  94 00 00 00 28 23 00 00\n", iface, f.ID)
			}()
			return nil
		},
	})
	defer c.Close()
	_, frames := c.Subscribe()

	cmd := MustParseFrame("141#94.00.00.00.00.00.00.00")
	require.NoError(t, c.Transmit(context.Background(), cmd))
	assert.Equal(t, []Frame{cmd}, sent)
	assert.Equal(t, cmd, next(t, frames))
	assert.Equal(t, "141#94.00.00.00.28.23.00.00", next(t, frames).String())
}

func TestCaptureSendFailure(t *testing.T) {
	c := NewCapture(CaptureConfig{
		StartDelay: time.Millisecond,
		Dump: func(ctx context.Context, iface string) (io.ReadCloser, func() error, error) {
			r, w := io.Pipe()
			go func() {
				<-ctx.Done()
				w.Close()
			}()
			return r, func() error { return nil }, nil
		},
		Send: func(ctx context.Context, iface string, f Frame) error {
			return fmt.Errorf("network is down")
		},
	})
	err := c.Transmit(context.Background(), Frame{ID: 0x141})
	assert.ErrorContains(t, err, "network is down")
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Transmit(context.Background(), Frame{ID: 0x141}), ErrClosed)
}
