package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() models.StateSnapshot {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.StateSnapshot{
		Positions: map[string]models.Position{
			"SOL": {Base: "SOL", Symbol: "SOLUSDT", EntryPrice: 150, Quantity: 0.5, EntryTime: at},
		},
		Cooldowns:  map[string]time.Time{"ETH": at.Add(15 * time.Minute)},
		ReserveUSD: 3.25,
		Stats:      models.Stats{LifetimeTakeProfitUSD: 10.5, LastDailySummary: "2026-02-28"},
		SavedAt:    at,
	}
}

func assertSnapshotEqual(t *testing.T, want, got models.StateSnapshot) {
	t.Helper()
	require.Len(t, got.Positions, len(want.Positions))
	for base, pos := range want.Positions {
		g := got.Positions[base]
		assert.Equal(t, pos.Symbol, g.Symbol)
		assert.Equal(t, pos.EntryPrice, g.EntryPrice)
		assert.Equal(t, pos.Quantity, g.Quantity)
		assert.True(t, pos.EntryTime.Equal(g.EntryTime))
	}
	for base, until := range want.Cooldowns {
		assert.True(t, until.Equal(got.Cooldowns[base]))
	}
	assert.Equal(t, want.ReserveUSD, got.ReserveUSD)
	assert.Equal(t, want.Stats, got.Stats)
}

func TestFileStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStateStore(filepath.Join(t.TempDir(), "nested", "state.json"))

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := sampleSnapshot()
	require.NoError(t, store.Save(ctx, want))

	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assertSnapshotEqual(t, want, got)
}

func TestRedisStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, err := NewRedisStateStore(ctx, config.StateConfig{RedisAddr: mr.Addr(), RedisKey: "dipscalp:state"})
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := sampleSnapshot()
	require.NoError(t, store.Save(ctx, want))
	assert.True(t, mr.Exists("dipscalp:state"))

	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assertSnapshotEqual(t, want, got)
}

func TestRedisStateStoreCorrupted(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("dipscalp:state", "{not json"))

	store, err := NewRedisStateStore(ctx, config.StateConfig{RedisAddr: mr.Addr(), RedisKey: "dipscalp:state"})
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.Load(ctx)
	assert.Error(t, err)
}

func TestNewStateStore(t *testing.T) {
	ctx := context.Background()

	store, err := NewStateStore(ctx, config.StateConfig{Type: "none"})
	require.NoError(t, err)
	assert.IsType(t, NopStateStore{}, store)

	store, err = NewStateStore(ctx, config.StateConfig{Type: "file", Path: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStateStore{}, store)

	_, err = NewStateStore(ctx, config.StateConfig{Type: "sqlite"})
	assert.Error(t, err)
}
