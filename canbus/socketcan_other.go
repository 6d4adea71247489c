//go:build !linux

package canbus

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// SocketCAN is only available on Linux.
type SocketCAN struct {
	Mux
}

func OpenSocketCAN(iface string, log zerolog.Logger) (*SocketCAN, error) {
	return nil, errors.New("socketcan is only supported on linux")
}

func (s *SocketCAN) Transmit(ctx context.Context, f Frame) error {
	return ErrClosed
}

func (s *SocketCAN) Close() error {
	s.Shutdown()
	return nil
}
