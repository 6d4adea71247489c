// Package canhttp shares a bus over HTTP. Frames are sent with a POST to
// /api/send and observed on the /api/frames websocket, both in text form.
package canhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
)

type SendResponse struct {
	Error string `json:",omitempty"`
}

type Server struct {
	bus      canbus.Bus
	password string
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer serves bus. Clients must present password with basic auth.
func NewServer(bus canbus.Bus, password string, log zerolog.Logger) *Server {
	return &Server{
		bus:      bus,
		password: password,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/send", http.HandlerFunc(s.SendHandler)).Methods(http.MethodPost)
	r.Handle("/api/frames", http.HandlerFunc(s.FramesHandler))
	return r
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	if !ok || pass != s.password {
		http.Error(w, "wrong password", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var resp SendResponse
	f, err := canbus.ParseFrame(strings.TrimSpace(string(body)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bus.Transmit(r.Context(), f); err != nil {
		s.log.Warn().Err(err).Stringer("frame", f).Msg("remote send failed")
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		s.log.Warn().Err(err).Msg("writing send response")
	}
}

func (s *Server) FramesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrading frame stream")
		return
	}
	defer conn.Close()
	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("frame stream opened")

	id, frames := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("frame stream closed")
			return
		case f, ok := <-frames:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f.String())); err != nil {
				log.Warn().Err(err).Msg("writing frame")
				return
			}
		}
	}
}
