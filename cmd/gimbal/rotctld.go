package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/gimbal_interface/rotator"
)

// Hamlib error codes.
const (
	rprtOK    = 0
	rprtInval = -1
	rprtIO    = -6
)

func (s *Server) ListenRotctld(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("failed to accept")
				}
				continue
			}
			go s.handleRotctld(ctx, conn)
		}
	}()
	return ln.Addr(), nil
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With().Stringer("remote", conn.RemoteAddr()).Logger()
	log.Info().Msg("accepted rotctld connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			parts := strings.Fields(cmd[1:])
			if len(parts) == 0 {
				continue
			}
			cmd, args = parts[0], parts[1:]
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		log.Debug().Str("command", cmd).Strs("args", args).Msg("rotctld command")
		rprt := rprtOK
		switch cmd {
		case "q", "Q", "quit":
			return
		case "_", "get_info":
			fmt.Fprintf(conn, "CAN gimbal\n")
		case "1", "dump_caps":
			yawMin, yawMax := s.ctl.Limits(rotator.Yaw)
			pitchMin, pitchMax := s.ctl.Limits(rotator.Pitch)
			fmt.Fprintf(conn, `Model name: CAN gimbal
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: %.2f
Max Azimuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: N
Can get Info: Y
`, rotator.ToDegrees(yawMin), rotator.ToDegrees(yawMax), rotator.ToDegrees(pitchMin), rotator.ToDegrees(pitchMax))
		case "S", "stop":
			extended = true // always print RPRT
			for _, a := range rotator.Axes {
				if _, err := s.ctl.Hold(ctx, a); err != nil {
					log.Warn().Err(err).Msg("stop")
					rprt = rprtIO
				}
			}
			s.statusCallback(s.ctl.Snapshot())
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtInval
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtInval
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = rprtInval
				break
			}
			if az < 0 {
				az += 360
			}
			if _, err := s.ctl.MoveAbsoluteDegrees(ctx, rotator.Yaw, az); err != nil {
				log.Warn().Err(err).Msg("set_pos")
				rprt = rprtIO
				break
			}
			if _, err := s.ctl.MoveAbsoluteDegrees(ctx, rotator.Pitch, el); err != nil {
				log.Warn().Err(err).Msg("set_pos")
				rprt = rprtIO
				break
			}
			s.statusCallback(s.ctl.Snapshot())
		case "p", "get_pos":
			status := s.currentStatus()
			az, el := status.YawDegrees(), status.PitchDegrees()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, el)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, el)
			}
		default:
			rprt = rprtInval
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("reading rotctld connection")
	}
}
