// Command gimbal_logger copies gimbal status from the status socket into
// InfluxDB.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/w1xm/gimbal_interface/internal/logging"
	"github.com/w1xm/gimbal_interface/rotator"
)

const measurement = "gimbal_status"

type options struct {
	server   string
	influx   string
	token    string
	org      string
	bucket   string
	logLevel string
}

func main() {
	opts := options{
		server: envOr("GIMBAL_ADDRESS", "ws://localhost:8080/api/ws"),
		influx: envOr("INFLUX_SERVER", "http://localhost:9999"),
		token:  os.Getenv("INFLUX_TOKEN"),
		org:    "w1xm",
		bucket: "gimbal.raw",
	}
	root := &cobra.Command{
		Use:   "gimbal_logger",
		Short: "Write gimbal status to InfluxDB",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(os.Stderr, opts.logLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, log)
		},
	}
	root.Flags().StringVar(&opts.server, "server", opts.server, "gimbal status socket URL")
	root.Flags().StringVar(&opts.influx, "influx", opts.influx, "InfluxDB server URL")
	root.Flags().StringVar(&opts.org, "org", opts.org, "InfluxDB organization")
	root.Flags().StringVar(&opts.bucket, "bucket", opts.bucket, "InfluxDB bucket")
	root.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, opts options, log zerolog.Logger) error {
	client := influxdb2.NewClient(opts.influx, opts.token)
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(opts.org, opts.bucket)
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.Warn().Err(err).Msg("write error")
		}
	}()
	for {
		if err := logData(ctx, opts.server, writeApi, log); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("server", opts.server).Msg("status socket")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}

// statusPoint turns one status socket message into a point. Messages
// without a status give nil.
func statusPoint(data []byte) (*write.Point, error) {
	var msg struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Status == nil {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(msg.Status, &raw); err != nil {
		return nil, err
	}
	var status rotator.Status
	if err := json.Unmarshal(msg.Status, &status); err != nil {
		return nil, err
	}
	delete(raw, "Time")
	fields := make(map[string]interface{})
	flattenStatus(fields, raw, "")
	fields["YawDegrees"] = status.YawDegrees()
	fields["PitchDegrees"] = status.PitchDegrees()
	ts := status.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(measurement, nil, fields, ts), nil
}

func logData(ctx context.Context, url string, writeApi api.WriteApi, log zerolog.Logger) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.Info().Str("server", url).Msg("connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := statusPoint(data)
		if err != nil {
			log.Warn().Err(err).Msg("decoding status")
			continue
		}
		if p == nil {
			continue
		}
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
