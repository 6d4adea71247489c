// Package config loads daemon settings from defaults, a TOML file,
// GIMBAL_* environment variables and command line flags, in increasing
// precedence.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/gimbal"
	"github.com/w1xm/gimbal_interface/rotator"
)

var Transports = []string{"socketcan", "capture", "slcan", "remote", "sim"}

type Axis struct {
	Address uint32
	Min     int32
	Max     int32
	// Speed is the initial speed; 0 leaves the axis default.
	Speed float64
}

type Config struct {
	Listen  string
	Rotctld string

	Transport  string
	Interface  string
	Serial     string
	SerialBaud int
	Bitrate    int
	Remote     string

	// RemotePassword authenticates to a can_server.
	RemotePassword string

	Policy       string
	Timeout      time.Duration
	Settle       time.Duration
	PollInterval time.Duration
	Epsilon      int
	Rounding     string

	Yaw   Axis
	Pitch Axis

	Presets  string
	LogLevel string
}

func DefaultConfig() Config {
	return Config{
		Listen:       ":8080",
		Rotctld:      ":4533",
		Transport:    "socketcan",
		Interface:    "can0",
		Serial:       "/dev/ttyACM0",
		SerialBaud:   115200,
		Bitrate:      1000000,
		Policy:       "paired",
		Timeout:      time.Second,
		Settle:       50 * time.Millisecond,
		PollInterval: time.Second,
		Epsilon:      50,
		Rounding:     "nearest",
		Yaw: Axis{
			Address: gimbal.DefaultYaw.Address,
			Min:     gimbal.DefaultYaw.Min,
			Max:     gimbal.DefaultYaw.Max,
		},
		Pitch: Axis{
			Address: gimbal.DefaultPitch.Address,
			Min:     gimbal.DefaultPitch.Min,
			Max:     gimbal.DefaultPitch.Max,
		},
		Presets:  "gimbal.db",
		LogLevel: "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	ok := false
	for _, t := range Transports {
		ok = ok || t == c.Transport
	}
	if !ok {
		return fmt.Errorf("unknown transport %q (want one of %v)", c.Transport, Transports)
	}
	if c.Transport == "remote" && c.Remote == "" {
		return fmt.Errorf("remote transport needs --remote")
	}
	if _, err := engine.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if _, err := rotator.ParseRounding(c.Rounding); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	for name, a := range map[string]Axis{"yaw": c.Yaw, "pitch": c.Pitch} {
		if err := a.gimbal().Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if a.Speed < 0 {
			return fmt.Errorf("%s: speed must not be negative", name)
		}
	}
	return nil
}

func (a Axis) gimbal() gimbal.AxisConfig {
	return gimbal.AxisConfig{
		Address:      a.Address,
		Min:          a.Min,
		Max:          a.Max,
		DefaultSpeed: gimbal.DefaultYaw.DefaultSpeed,
	}
}

// Engine returns the transaction engine settings. Validate must pass first.
func (c *Config) Engine() engine.Config {
	policy, _ := engine.ParsePolicy(c.Policy)
	settle := c.Settle
	if settle == 0 {
		settle = -1
	}
	return engine.Config{
		Timeout: c.Timeout,
		Settle:  settle,
		Policy:  policy,
	}
}

// Gimbal returns the controller settings. Validate must pass first.
func (c *Config) Gimbal() gimbal.Config {
	rounding, _ := rotator.ParseRounding(c.Rounding)
	eps := int32(c.Epsilon)
	if eps == 0 {
		eps = -1
	}
	return gimbal.Config{
		Yaw:      c.Yaw.gimbal(),
		Pitch:    c.Pitch.gimbal(),
		Epsilon:  eps,
		Rounding: rounding,
	}
}

// configSetter applies values unless the matching flag was set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value *int, dst *int) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setInt32(flag string, value *int32, dst *int32) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setFloat(flag string, value *float64, dst *float64) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// parse helpers for environment variables, which arrive as strings.

func intFromString(flag, value string) (*int, error) {
	if value == "" {
		return nil, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", flag, err)
	}
	return &i, nil
}

func int32FromString(flag, value string) (*int32, error) {
	if value == "" {
		return nil, nil
	}
	i, err := strconv.ParseInt(value, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", flag, err)
	}
	v := int32(i)
	return &v, nil
}

func floatFromString(flag, value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", flag, err)
	}
	return &f, nil
}
