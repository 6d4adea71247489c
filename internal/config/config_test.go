package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/rotator"
)

const sample = `
transport = "slcan"
serial = "/dev/ttyUSB1"
bitrate = 500000
policy = "single"
timeout = "750ms"
settle = "0s"
epsilon = 0
rounding = "truncate"

[yaw]
address = 0x151
min = 1000
max = 30000
speed = 120.0

[pitch]
max = 9000
`

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gimbal.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyFileConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), sample)
	fc, err := LoadFileConfig(path)
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, ApplyFileConfig(&cfg, fc, map[string]bool{"policy": true}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "slcan", cfg.Transport)
	assert.Equal(t, "/dev/ttyUSB1", cfg.Serial)
	assert.Equal(t, 500000, cfg.Bitrate)
	assert.Equal(t, "paired", cfg.Policy, "explicit flag wins")
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, Axis{Address: 0x151, Min: 1000, Max: 30000, Speed: 120}, cfg.Yaw)
	assert.Equal(t, Axis{Address: 0x142, Min: 900, Max: 9000}, cfg.Pitch)

	ec := cfg.Engine()
	assert.Equal(t, engine.PolicyPaired, ec.Policy)
	assert.Equal(t, time.Duration(-1), ec.Settle, "zero settle disables it")

	gc := cfg.Gimbal()
	assert.Equal(t, int32(-1), gc.Epsilon, "zero epsilon means exact match")
	assert.Equal(t, rotator.RoundTruncate, gc.Rounding)
	assert.Equal(t, uint32(0x151), gc.Yaw.Address)
	assert.Equal(t, uint16(90), gc.Yaw.DefaultSpeed)
}

func TestApplyFileConfigBadDuration(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyFileConfig(&cfg, FileConfig{Timeout: "soon"}, nil)
	assert.ErrorContains(t, err, "timeout")
}

func TestApplyEnvConfig(t *testing.T) {
	t.Setenv("GIMBAL_TRANSPORT", "capture")
	t.Setenv("GIMBAL_INTERFACE", "vcan0")
	t.Setenv("GIMBAL_YAW_MAX", "20000")
	t.Setenv("GIMBAL_PITCH_SPEED", "45.5")
	t.Setenv("GIMBAL_EPSILON", "10")
	t.Setenv("GIMBAL_POLL_INTERVAL", "250ms")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnvConfig(&cfg, map[string]bool{"interface": true}))
	assert.Equal(t, "capture", cfg.Transport)
	assert.Equal(t, "can0", cfg.Interface)
	assert.Equal(t, int32(20000), cfg.Yaw.Max)
	assert.Equal(t, 45.5, cfg.Pitch.Speed)
	assert.Equal(t, 10, cfg.Epsilon)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)

	t.Setenv("GIMBAL_YAW_MIN", "low")
	assert.Error(t, ApplyEnvConfig(&cfg, nil))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "GIMBAL_YAW_MIN", envName("yaw-min"))
	assert.Equal(t, "GIMBAL_SERIAL_BAUD", envName("serial-baud"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"transport", func(c *Config) { c.Transport = "pigeon" }},
		{"remote", func(c *Config) { c.Transport = "remote" }},
		{"policy", func(c *Config) { c.Policy = "triple" }},
		{"rounding", func(c *Config) { c.Rounding = "up" }},
		{"timeout", func(c *Config) { c.Timeout = 0 }},
		{"poll", func(c *Config) { c.PollInterval = -time.Second }},
		{"limits", func(c *Config) { c.Pitch.Min = 20000 }},
		{"speed", func(c *Config) { c.Yaw.Speed = -1 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.Validate())
			test.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sample)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan FileConfig, 4)
	done := make(chan error)
	go func() {
		done <- Watch(ctx, path, 10*time.Millisecond, zerolog.Nop(), func(fc FileConfig) {
			changes <- fc
		})
	}()

	// Give the watcher time to register.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o644))
	writeFile(t, dir, "[yaw]\nmax = 25000\n")

	select {
	case fc := <-changes:
		require.NotNil(t, fc.Yaw.Max)
		assert.Equal(t, int32(25000), *fc.Yaw.Max)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
