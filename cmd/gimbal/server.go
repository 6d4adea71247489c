package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/gimbal"
	"github.com/w1xm/gimbal_interface/preset"
	"github.com/w1xm/gimbal_interface/rotator"
)

type Server struct {
	ctl     *gimbal.Controller
	engine  *engine.Engine
	presets *preset.Store
	log     zerolog.Logger

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     rotator.Status
	statusSeq  uint64
}

func NewServer(ctl *gimbal.Controller, e *engine.Engine, presets *preset.Store, log zerolog.Logger) *Server {
	s := &Server{
		ctl:     ctl,
		engine:  e,
		presets: presets,
		log:     log,
		status:  ctl.Snapshot(),
	}
	// Nonzero so new sockets send the current status at once.
	s.statusSeq = 1
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) currentStatus() rotator.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.currentStatus()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// Command is a request received on the status socket. Positions, offsets
// and speeds are in degrees.
type Command struct {
	ID       string  `json:"id,omitempty"`
	Command  string  `json:"command"`
	Axis     string  `json:"axis,omitempty"`
	Position float64 `json:"position,omitempty"`
	Offset   float64 `json:"offset,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Angle    uint16  `json:"angle,omitempty"`
	Frame    string  `json:"frame,omitempty"`
	Name     string  `json:"name,omitempty"`

	YawOffset   float64  `json:"yaw_offset,omitempty"`
	PitchOffset float64  `json:"pitch_offset,omitempty"`
	YawSpeed    *float64 `json:"yaw_speed,omitempty"`
	PitchSpeed  *float64 `json:"pitch_speed,omitempty"`
}

type Reply struct {
	ID      string      `json:"id,omitempty"`
	Command string      `json:"command"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Message is one frame written to the status socket.
type Message struct {
	Status *rotator.Status `json:"status,omitempty"`
	Reply  *Reply          `json:"reply,omitempty"`
}

// Queued is the immediate result of a submit command. The transaction's
// own result follows in a submit_result reply with the same id.
type Queued struct {
	Queued  bool `json:"queued"`
	Pending int  `json:"pending"`
}

var errUnknownCommand = errors.New("unknown command")

// dispatch runs one command. Commands that finish later report through
// later, which may be nil when they are not used.
func (s *Server) dispatch(ctx context.Context, msg Command, later func(*Reply)) (interface{}, error) {
	axis := func() (rotator.Axis, error) {
		return rotator.ParseAxis(msg.Axis)
	}
	switch msg.Command {
	case "move_absolute":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		return s.afterMove(s.ctl.MoveAbsoluteDegrees(ctx, a, msg.Position))
	case "move_relative":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		return s.afterMove(s.ctl.MoveRelativeDegrees(ctx, a, msg.Offset))
	case "set_speed":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		s.ctl.SetSpeed(a, msg.Speed)
		return s.ctl.Speed(a), nil
	case "get_status":
		status := s.ctl.Poll(ctx)
		s.statusCallback(status)
		return status, nil
	case "track":
		status, err := s.ctl.Track(ctx, rotator.TrackRequest{
			YawOffset:   msg.YawOffset,
			PitchOffset: msg.PitchOffset,
			YawSpeed:    msg.YawSpeed,
			PitchSpeed:  msg.PitchSpeed,
		})
		s.statusCallback(status)
		return status, err
	case "configure":
		a, err := axis()
		if err != nil {
			return nil, err
		}
		pos, err := s.ctl.Configure(ctx, a, msg.Angle)
		if err != nil {
			return nil, err
		}
		s.statusCallback(s.ctl.Snapshot())
		return pos, nil
	case "send":
		f, err := canbus.ParseFrame(msg.Frame)
		if err != nil {
			return nil, err
		}
		resp, err := s.ctl.Execute(ctx, f)
		if err != nil {
			return nil, err
		}
		return resp.String(), nil
	case "submit":
		f, err := canbus.ParseFrame(msg.Frame)
		if err != nil {
			return nil, err
		}
		result, err := s.engine.Submit(ctx, engine.Request{Frame: f})
		if err != nil {
			return nil, err
		}
		go func() {
			reply := &Reply{ID: msg.ID, Command: "submit_result"}
			select {
			case r := <-result:
				if r.Err != nil {
					reply.Error = r.Err.Error()
				} else {
					reply.Result = r.Frame.String()
				}
			case <-ctx.Done():
				return
			}
			if later != nil {
				later(reply)
			}
		}()
		return Queued{Queued: true, Pending: s.engine.Pending()}, nil
	case "write":
		f, err := canbus.ParseFrame(msg.Frame)
		if err != nil {
			return nil, err
		}
		if err := s.engine.Send(ctx, f); err != nil {
			return nil, err
		}
		return f.String(), nil
	case "save_preset":
		status := s.ctl.Poll(ctx)
		if len(status.Errors) > 0 {
			return nil, fmt.Errorf("position unknown: %v", status.Errors)
		}
		p := preset.Preset{Name: msg.Name, Yaw: status.YawPosition, Pitch: status.PitchPosition}
		if err := s.presets.Save(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	case "recall_preset":
		p, err := s.presets.Get(ctx, msg.Name)
		if err != nil {
			return nil, err
		}
		if _, err := s.ctl.MoveAbsolute(ctx, rotator.Yaw, p.Yaw); err != nil {
			return nil, err
		}
		if _, err := s.ctl.MoveAbsolute(ctx, rotator.Pitch, p.Pitch); err != nil {
			return nil, err
		}
		status := s.ctl.Snapshot()
		s.statusCallback(status)
		return status, nil
	case "list_presets":
		return s.presets.List(ctx)
	case "delete_preset":
		return nil, s.presets.Delete(ctx, msg.Name)
	}
	return nil, fmt.Errorf("%w %q", errUnknownCommand, msg.Command)
}

func (s *Server) afterMove(deg float64, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	s.statusCallback(s.ctl.Snapshot())
	return deg, nil
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrading status socket")
		return
	}
	defer conn.Close()
	log := s.log.With().Str("remote", r.RemoteAddr).Logger()

	var writeMu sync.Mutex
	send := func(m Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(m)
	}

	// Read and process incoming messages
	go func() {
		defer func() {
			cancel()
			s.wake()
		}()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			log.Info().Interface("command", msg).Msg("command")
			result, err := s.dispatch(ctx, msg, func(r *Reply) {
				if err := send(Message{Reply: r}); err != nil {
					log.Debug().Err(err).Msg("late reply dropped")
				}
			})
			reply := &Reply{ID: msg.ID, Command: msg.Command, Result: result}
			if err != nil {
				log.Warn().Err(err).Str("command", msg.Command).Msg("command failed")
				reply.Error = err.Error()
			}
			if err := send(Message{Reply: reply}); err != nil {
				return
			}
		}
	}()

	var seen uint64
	for {
		s.statusMu.RLock()
		for s.statusSeq == seen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, seq := s.status, s.statusSeq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		seen = seq
		if err := send(Message{Status: &status}); err != nil {
			log.Debug().Err(err).Msg("status socket closed")
			return
		}
	}
}

func (s *Server) statusCallback(status rotator.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.statusSeq++
	s.statusCond.Broadcast()
}

// wake releases status socket writers so they can notice cancellation.
func (s *Server) wake() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.statusCond.Broadcast()
}
