package canbus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DumpFunc starts a capture of iface that ends when ctx is done. wait
// reaps the capture once the returned reader hits EOF.
type DumpFunc func(ctx context.Context, iface string) (out io.ReadCloser, wait func() error, err error)

// SendFunc puts one frame on iface.
type SendFunc func(ctx context.Context, iface string, f Frame) error

type CaptureConfig struct {
	Interface string
	// Window bounds each capture. Default 500ms.
	Window time.Duration
	// StartDelay gives the capture time to attach before sending. Default 20ms.
	StartDelay time.Duration
	// Dump and Send default to the candump and cansend binaries.
	Dump DumpFunc
	Send SendFunc
	Log  zerolog.Logger
}

// Capture is a bus with no persistent channel. Each transmit starts a
// time-boxed capture of the interface and then sends the frame, so the
// frame, its echo and any reply inside the window reach subscribers.
type Capture struct {
	Mux
	cfg CaptureConfig
	wg  sync.WaitGroup
}

func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.Interface == "" {
		cfg.Interface = "can0"
	}
	if cfg.Window == 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = 20 * time.Millisecond
	}
	if cfg.Dump == nil {
		cfg.Dump = Candump
	}
	if cfg.Send == nil {
		cfg.Send = Cansend
	}
	cfg.Log = cfg.Log.With().Str("iface", cfg.Interface).Logger()
	return &Capture{cfg: cfg}
}

func (c *Capture) Transmit(ctx context.Context, f Frame) error {
	if c.IsClosed() {
		return ErrClosed
	}
	wctx, cancel := context.WithTimeout(context.Background(), c.cfg.Window)
	out, wait, err := c.cfg.Dump(wctx, c.cfg.Interface)
	if err != nil {
		cancel()
		return fmt.Errorf("starting capture: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.read(out)
		out.Close()
		if err := wait(); err != nil && wctx.Err() == nil {
			c.cfg.Log.Warn().Err(err).Msg("capture exited")
		}
	}()

	select {
	case <-time.After(c.cfg.StartDelay):
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if err := c.cfg.Send(ctx, c.cfg.Interface, f); err != nil {
		cancel()
		return fmt.Errorf("sending %s: %w", f, err)
	}
	return nil
}

func (c *Capture) read(r io.Reader) {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := scan.Text()
		_, f, err := ParseCandumpLine(line)
		if err != nil {
			c.cfg.Log.Debug().Err(err).Msg("skipping capture line")
			continue
		}
		c.Publish(f)
	}
}

func (c *Capture) Close() error {
	c.Shutdown()
	c.wg.Wait()
	return nil
}

// Candump runs candump on iface until ctx is done.
func Candump(ctx context.Context, iface string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "candump", iface)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return out, cmd.Wait, nil
}

// Cansend transmits f with cansend.
func Cansend(ctx context.Context, iface string, f Frame) error {
	out, err := exec.CommandContext(ctx, "cansend", iface, f.String()).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cansend: %v: %s", err, out)
	}
	return nil
}
