// Command can_server shares a local CAN bus over HTTP for the remote
// transport.
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

	"github.com/spf13/cobra"
	"github.com/w1xm/gimbal_interface/canbus/canhttp"
	"github.com/w1xm/gimbal_interface/internal/config"
	"github.com/w1xm/gimbal_interface/internal/logging"
	"github.com/w1xm/gimbal_interface/internal/transport"
)

func main() {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:8503"
	var password string

	root := &cobra.Command{
		Use:   "can_server",
		Short: "Serve a CAN bus over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}
			if cfg.Transport == "remote" {
				return errors.New("can_server cannot serve a remote bus")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus, err := transport.Open(ctx, &cfg, logging.Component(log, "bus"))
			if err != nil {
				return fmt.Errorf("open bus: %w", err)
			}
			defer bus.Close()

			server := canhttp.NewServer(bus, password, logging.Component(log, "http"))
			r := server.Router()
			r.PathPrefix("/debug").Handler(http.DefaultServeMux)
			srv := &http.Server{
				Handler:     r,
				Addr:        cfg.Listen,
				ReadTimeout: 60 * time.Second,
			}
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().Str("addr", srv.Addr).Str("transport", cfg.Transport).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	root.Flags().StringVar(&password, "password", "", "password to require on remote connections")
	root.Flags().StringVar(&cfg.Transport, "transport", cfg.Transport, "bus to serve: socketcan, capture, slcan or sim")
	root.Flags().StringVar(&cfg.Interface, "interface", cfg.Interface, "CAN network interface")
	root.Flags().StringVar(&cfg.Serial, "serial", cfg.Serial, "SLCAN serial port name")
	root.Flags().IntVar(&cfg.SerialBaud, "serial-baud", cfg.SerialBaud, "SLCAN serial baud rate")
	root.Flags().IntVar(&cfg.Bitrate, "bitrate", cfg.Bitrate, "CAN bitrate for SLCAN adapters")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
