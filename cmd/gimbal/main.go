// Command gimbal drives a CAN pan/tilt head and serves its status and
// controls over websocket and the rotctld protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/gimbal"
	"github.com/w1xm/gimbal_interface/internal/config"
	"github.com/w1xm/gimbal_interface/internal/logging"
	"github.com/w1xm/gimbal_interface/internal/transport"
	"github.com/w1xm/gimbal_interface/preset"
	"github.com/w1xm/gimbal_interface/rotator"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "/etc/gimbal/config.toml"

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:   "gimbal",
		Short: "Drive a CAN pan/tilt head",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgPath == "" && config.FileExists(defaultConfigPath) {
				cfgPath = defaultConfigPath
			}
			if cfgPath != "" {
				fc, err := config.LoadFileConfig(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}
			logCfg := cfg
			if logCfg.RemotePassword != "" {
				logCfg.RemotePassword = "*****"
			}
			log.Info().Interface("config", logCfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cfgPath, changed, log)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default "+defaultConfigPath+" if present)")
	f.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP address to listen on")
	f.StringVar(&cfg.Rotctld, "rotctld", cfg.Rotctld, "rotctld address to listen on, empty to disable")
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "bus transport: socketcan, capture, slcan, sim or remote")
	f.StringVar(&cfg.Interface, "interface", cfg.Interface, "CAN network interface")
	f.StringVar(&cfg.Serial, "serial", cfg.Serial, "SLCAN serial port name")
	f.IntVar(&cfg.SerialBaud, "serial-baud", cfg.SerialBaud, "SLCAN serial baud rate")
	f.IntVar(&cfg.Bitrate, "bitrate", cfg.Bitrate, "CAN bitrate for SLCAN adapters")
	f.StringVar(&cfg.Remote, "remote", cfg.Remote, "base URL of a can_server")
	f.StringVar(&cfg.RemotePassword, "remote-password", cfg.RemotePassword, "can_server password")
	f.StringVar(&cfg.Policy, "policy", cfg.Policy, "response correlation policy: paired or single")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "transaction timeout")
	f.DurationVar(&cfg.Settle, "settle", cfg.Settle, "bus settle delay after each transaction, 0 to disable")
	f.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "status poll interval")
	f.IntVar(&cfg.Epsilon, "epsilon", cfg.Epsilon, "absolute moves closer than this many raw units are skipped")
	f.StringVar(&cfg.Rounding, "rounding", cfg.Rounding, "degree rounding: nearest or truncate")
	f.Int32Var(&cfg.Yaw.Min, "yaw-min", cfg.Yaw.Min, "yaw lower limit in raw units")
	f.Int32Var(&cfg.Yaw.Max, "yaw-max", cfg.Yaw.Max, "yaw upper limit in raw units")
	f.Float64Var(&cfg.Yaw.Speed, "yaw-speed", cfg.Yaw.Speed, "initial yaw speed")
	f.Int32Var(&cfg.Pitch.Min, "pitch-min", cfg.Pitch.Min, "pitch lower limit in raw units")
	f.Int32Var(&cfg.Pitch.Max, "pitch-max", cfg.Pitch.Max, "pitch upper limit in raw units")
	f.Float64Var(&cfg.Pitch.Speed, "pitch-speed", cfg.Pitch.Speed, "initial pitch speed")
	f.StringVar(&cfg.Presets, "presets", cfg.Presets, "preset database path")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, cfgPath string, changed map[string]bool, log zerolog.Logger) error {
	bus, err := transport.Open(ctx, &cfg, logging.Component(log, "bus"))
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer bus.Close()

	ecfg := cfg.Engine()
	ecfg.Log = logging.Component(log, "engine")
	e := engine.New(bus, ecfg)

	gcfg := cfg.Gimbal()
	gcfg.Log = logging.Component(log, "gimbal")
	ctl, err := gimbal.New(e, gcfg)
	if err != nil {
		return err
	}
	applySpeeds(ctl, cfg)

	presets, err := preset.Open(cfg.Presets)
	if err != nil {
		return err
	}
	defer presets.Close()

	s := NewServer(ctl, e, presets, logging.Component(log, "server"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx)
	})
	g.Go(func() error {
		return ctl.Watch(ctx, cfg.PollInterval, s.statusCallback)
	})
	if cfgPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, cfgPath, 500*time.Millisecond, logging.Component(log, "config"), func(fc config.FileConfig) {
				reload(ctl, cfg, fc, changed, log)
			})
		})
	}
	if cfg.Rotctld != "" {
		addr, err := s.ListenRotctld(ctx, cfg.Rotctld)
		if err != nil {
			return fmt.Errorf("rotctld: %w", err)
		}
		log.Info().Stringer("addr", addr).Msg("rotctld listening")
	}

	r := mux.NewRouter()
	r.Handle("/api/status", http.HandlerFunc(s.StatusHandler))
	r.Handle("/api/ws", http.HandlerFunc(s.StatusSocketHandler))
	r.PathPrefix("/debug").Handler(http.DefaultServeMux)
	srv := &http.Server{
		Handler:     r,
		Addr:        cfg.Listen,
		ReadTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func applySpeeds(ctl *gimbal.Controller, cfg config.Config) {
	if cfg.Yaw.Speed > 0 {
		ctl.SetSpeed(rotator.Yaw, cfg.Yaw.Speed)
	}
	if cfg.Pitch.Speed > 0 {
		ctl.SetSpeed(rotator.Pitch, cfg.Pitch.Speed)
	}
}

// reload applies limit and speed changes from the config file. Other
// settings need a restart; flags still take precedence.
func reload(ctl *gimbal.Controller, cfg config.Config, fc config.FileConfig, changed map[string]bool, log zerolog.Logger) {
	if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
		log.Warn().Err(err).Msg("ignoring config reload")
		return
	}
	for _, a := range []struct {
		axis rotator.Axis
		cfg  config.Axis
	}{
		{rotator.Yaw, cfg.Yaw},
		{rotator.Pitch, cfg.Pitch},
	} {
		if err := ctl.SetLimits(a.axis, a.cfg.Min, a.cfg.Max); err != nil {
			log.Warn().Err(err).Msg("ignoring reloaded limits")
		}
	}
	applySpeeds(ctl, cfg)
}
