package canbus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// SLCAN bitrate setup commands, S0 through S8.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

type SLCANConfig struct {
	Port string
	// Baud of the serial link. Default 115200.
	Baud int
	// Bitrate of the CAN bus. Default 1000000.
	Bitrate int
	Log     zerolog.Logger
}

// SLCAN drives a serial-line CAN adapter speaking the Lawicel ASCII
// protocol. Adapters do not report frames they sent, so transmitted frames
// are published locally once written.
type SLCAN struct {
	Mux
	cfg   SLCANConfig
	setup string

	mu   sync.Mutex
	port *serial.Port
}

// OpenSLCAN returns immediately; the port is opened, and reopened after
// errors, in the background until ctx is done.
func OpenSLCAN(ctx context.Context, cfg SLCANConfig) (*SLCAN, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 1000000
	}
	setup, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("unsupported CAN bitrate %d", cfg.Bitrate)
	}
	cfg.Log = cfg.Log.With().Str("port", cfg.Port).Logger()
	s := &SLCAN{cfg: cfg, setup: setup}
	go s.reconnectLoop(ctx)
	return s, nil
}

func (s *SLCAN) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		if s.IsClosed() {
			return
		}
		p, err := serial.OpenPort(&serial.Config{Name: s.cfg.Port, Baud: s.cfg.Baud})
		if err != nil {
			s.cfg.Log.Warn().Err(err).Msg("opening adapter")
			continue
		}
		if err := s.open(p); err != nil {
			s.cfg.Log.Warn().Err(err).Msg("configuring adapter")
			p.Close()
			continue
		}
		s.cfg.Log.Info().Msg("opened adapter")
		s.watch(p)
		s.mu.Lock()
		s.port = nil
		s.mu.Unlock()
	}
}

func (s *SLCAN) open(p *serial.Port) error {
	for _, cmd := range []string{"C", s.setup, "O"} {
		if _, err := p.Write([]byte(cmd + "\r")); err != nil {
			return fmt.Errorf("sending %q: %w", cmd, err)
		}
	}
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()
	return nil
}

func (s *SLCAN) watch(p *serial.Port) {
	defer p.Close()
	scanner := bufio.NewScanner(p)
	scanner.Split(scanCR)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 't', 'T':
			f, err := ParseSLCAN(line)
			if err != nil {
				s.cfg.Log.Debug().Err(err).Msg("skipping adapter line")
				continue
			}
			s.Publish(f)
		case 'z', 'Z':
			// transmit acknowledged
		case '\a':
			s.cfg.Log.Warn().Msg("adapter rejected command")
		default:
			s.cfg.Log.Debug().Str("line", line).Msg("unknown adapter output")
		}
	}
	if err := scanner.Err(); err != nil {
		s.cfg.Log.Warn().Err(err).Msg("reading adapter")
	}
}

func (s *SLCAN) Transmit(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.IsClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("adapter %s not connected", s.cfg.Port)
	}
	if _, err := s.port.Write([]byte(FormatSLCAN(f) + "\r")); err != nil {
		return fmt.Errorf("writing %s: %w", f, err)
	}
	s.Publish(f)
	return nil
}

func (s *SLCAN) Close() error {
	if !s.Shutdown() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	s.port.Write([]byte("C\r"))
	return s.port.Close()
}

// FormatSLCAN returns the transmit command for f without the trailing CR.
func FormatSLCAN(f Frame) string {
	data := strings.ToUpper(hex.EncodeToString(f.Data[:]))
	if f.Extended() {
		return fmt.Sprintf("T%08X8%s", f.ID, data)
	}
	return fmt.Sprintf("t%03X8%s", f.ID, data)
}

// ParseSLCAN parses a received t or T line.
func ParseSLCAN(line string) (Frame, error) {
	idLen := 3
	if strings.HasPrefix(line, "T") {
		idLen = 8
	} else if !strings.HasPrefix(line, "t") {
		return Frame{}, fmt.Errorf("%w: slcan line %q", ErrMalformedFrame, line)
	}
	if len(line) < 1+idLen+1 {
		return Frame{}, fmt.Errorf("%w: slcan line %q too short", ErrMalformedFrame, line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: slcan id: %v", ErrMalformedFrame, err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return Frame{}, fmt.Errorf("%w: slcan dlc %q", ErrMalformedFrame, line[1+idLen])
	}
	rest := line[2+idLen:]
	if len(rest) < 2*dlc {
		return Frame{}, fmt.Errorf("%w: slcan line %q truncated", ErrMalformedFrame, line)
	}
	data, err := hex.DecodeString(rest[:2*dlc])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: slcan data: %v", ErrMalformedFrame, err)
	}
	return NewFrame(uint32(id), data...)
}

// scanCR splits adapter output on CR, keeping a lone BEL as its own token.
func scanCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if data[0] == '\a' {
		return 1, data[:1], nil
	}
	if i := bytes.IndexByte(data, '\r'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
