//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// SocketCAN is a raw CAN_RAW socket bound to one interface. Own frames are
// looped back so every transmitted frame is also observed.
type SocketCAN struct {
	Mux
	iface string
	f     *os.File
	log   zerolog.Logger

	writeMu sync.Mutex
	done    chan struct{}
}

func OpenSocketCAN(iface string, log zerolog.Logger) (*SocketCAN, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("creating CAN socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enabling own message reception: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding to %q: %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &SocketCAN{
		iface: iface,
		f:     os.NewFile(uintptr(fd), iface),
		log:   log.With().Str("iface", iface).Logger(),
		done:  make(chan struct{}),
	}
	go s.watch()
	s.log.Info().Msg("opened raw CAN channel")
	return s, nil
}

func (s *SocketCAN) watch() {
	defer close(s.done)
	buf := make([]byte, 16)
	for {
		n, err := io.ReadFull(s.f, buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				s.log.Error().Err(err).Msg("reading CAN socket")
			}
			s.Shutdown()
			return
		}
		var f Frame
		if err := f.UnmarshalBinary(buf[:n]); err != nil {
			s.log.Debug().Err(err).Msg("skipping frame")
			continue
		}
		s.Publish(f)
	}
}

func (s *SocketCAN) Transmit(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.IsClosed() {
		return ErrClosed
	}
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("writing %s to %s: %w", f, s.iface, err)
	}
	return nil
}

func (s *SocketCAN) Close() error {
	s.Shutdown()
	err := s.f.Close()
	<-s.done
	return err
}
