// Package transport opens the bus named by the configuration.
package transport

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/w1xm/gimbal_interface/canbus"
	"github.com/w1xm/gimbal_interface/canbus/canhttp"
	"github.com/w1xm/gimbal_interface/gimbal/simulator"
	"github.com/w1xm/gimbal_interface/internal/config"
)

// Open returns the bus for cfg.Transport. The sim transport runs a
// simulator on a private hub until ctx is done.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (canbus.Bus, error) {
	log = log.With().Str("transport", cfg.Transport).Logger()
	switch cfg.Transport {
	case "socketcan":
		return canbus.OpenSocketCAN(cfg.Interface, log)
	case "capture":
		return canbus.NewCapture(canbus.CaptureConfig{
			Interface: cfg.Interface,
			Log:       log,
		}), nil
	case "slcan":
		return canbus.OpenSLCAN(ctx, canbus.SLCANConfig{
			Port:    cfg.Serial,
			Baud:    cfg.SerialBaud,
			Bitrate: cfg.Bitrate,
			Log:     log,
		})
	case "remote":
		return canhttp.Dial(ctx, cfg.Remote, cfg.RemotePassword, log)
	case "sim":
		return openSim(ctx, cfg, log), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

func openSim(ctx context.Context, cfg *config.Config, log zerolog.Logger) canbus.Bus {
	hub := canbus.NewHub()
	host := hub.Endpoint(true)
	peer := hub.Endpoint(false)
	sim := simulator.New(peer, log.With().Str("component", "simulator").Logger(), cfg.Yaw.Address, cfg.Pitch.Address)
	sim.SetPosition(cfg.Yaw.Address, (cfg.Yaw.Min+cfg.Yaw.Max)/2)
	sim.SetPosition(cfg.Pitch.Address, (cfg.Pitch.Min+cfg.Pitch.Max)/2)
	go func() {
		defer peer.Close()
		if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("simulator stopped")
		}
	}()
	return host
}
