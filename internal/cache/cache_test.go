package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/strikewatch/internal/models"
)

func TestMemoryCache_TTL(t *testing.T) {
	m := NewMemoryCache()
	now := time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))

	v, ok := m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))

	now = now.Add(2 * time.Minute)
	_, ok = m.Get(ctx, "a")
	assert.False(t, ok, "expired entry")
	_, ok = m.Get(ctx, "b")
	assert.True(t, ok, "zero ttl never expires")
}

func TestNew_FallsBackToMemory(t *testing.T) {
	assert.IsType(t, &MemoryCache{}, New(""))
	assert.IsType(t, &MemoryCache{}, New("not a url"))
	// nothing listens on port 1
	assert.IsType(t, &MemoryCache{}, New("redis://127.0.0.1:1/0"))
}

func TestSnapshots(t *testing.T) {
	s := NewSnapshots(NewMemoryCache(), time.Minute)
	ctx := context.Background()
	expiry := "2025-01-30"
	sr := &models.SupportResistance{
		ID:        "x",
		Symbol:    "NIFTY",
		Time:      time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC),
		SpotPrice: 23100,
		Expiry:    &expiry,
		CE:        models.SideLevels{First: models.Level{Strike: 23200}, Trend: models.TrendWTT},
		PE:        models.SideLevels{Trend: models.TrendStrong},
	}

	_, ok := s.Get(ctx, "NIFTY")
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, sr))
	got, ok := s.Get(ctx, "NIFTY")
	require.True(t, ok)
	assert.Equal(t, sr.CE.First.Strike, got.CE.First.Strike)
	assert.Equal(t, models.TrendWTT, got.CE.Trend)
	assert.Equal(t, expiry, *got.Expiry)
	assert.True(t, sr.Time.Equal(got.Time))
}
