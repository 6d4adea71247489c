package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/gimbal_interface/engine"
	"github.com/w1xm/gimbal_interface/gimbal"
	"github.com/w1xm/gimbal_interface/internal/config"
	"github.com/w1xm/gimbal_interface/rotator"
)

func TestOpenSim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.DefaultConfig()
	cfg.Transport = "sim"
	bus, err := Open(ctx, &cfg, zerolog.Nop())
	require.NoError(t, err)
	defer bus.Close()

	e := engine.New(bus, engine.Config{Timeout: time.Second, Settle: -1})
	c, err := gimbal.New(e, cfg.Gimbal())
	require.NoError(t, err)

	pos, err := c.Position(ctx, rotator.Yaw)
	require.NoError(t, err)
	assert.Equal(t, (cfg.Yaw.Min+cfg.Yaw.Max)/2, pos)
}

func TestOpenUnknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport = "carrier-pigeon"
	_, err := Open(context.Background(), &cfg, zerolog.Nop())
	assert.Error(t, err)
}
