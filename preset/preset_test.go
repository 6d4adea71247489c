package preset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "presets.db"))
	require.NoError(t, err)
	defer s.Close()

	created := time.UnixMilli(1700000000000)
	require.NoError(t, s.Save(ctx, Preset{Name: "north", Yaw: 900, Pitch: 4500, CreatedAt: created}))
	require.NoError(t, s.Save(ctx, Preset{Name: "home", Yaw: 18000, Pitch: 9000}))

	p, err := s.Get(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, Preset{Name: "north", Yaw: 900, Pitch: 4500, CreatedAt: created}, p)

	require.NoError(t, s.Save(ctx, Preset{Name: "north", Yaw: 1000, Pitch: 4000, CreatedAt: created}))
	p, err = s.Get(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, int32(1000), p.Yaw)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "home", list[0].Name)
	assert.Equal(t, "north", list[1].Name)

	require.NoError(t, s.Delete(ctx, "home"))
	assert.ErrorIs(t, s.Delete(ctx, "home"), ErrNotFound)
	_, err = s.Get(ctx, "home")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Save(ctx, Preset{}))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(ctx, Preset{Name: "a", Yaw: 1, Pitch: 2}))
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
