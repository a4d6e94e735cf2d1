package statstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rez/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *StatsStore {
	t.Helper()
	s, err := NewStatsStore(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	first := types.AgentStats{TotalTrades: 3, WinRate: 66.67, TotalPnL: 120.5, AvgHoldingDuration: "1h"}
	require.NoError(t, s.Save(ctx, "0xabc", first))

	got, ok, err := s.Load(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	// 再次发布覆盖最新值
	second := first
	second.TotalTrades = 4
	require.NoError(t, s.Save(ctx, "0xabc", second))
	got, ok, err = s.Load(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.TotalTrades)

	// 账户之间互不影响
	_, ok, err = s.Load(ctx, "0xother")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Save(ctx, "0xabc", types.AgentStats{TotalTrades: i}))
	}
	hist, err := s.History(ctx, "0xabc", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 3, hist[0].TotalTrades)
	assert.Equal(t, 2, hist[1].TotalTrades)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "0xabc", types.AgentStats{TotalTrades: 1}))

	n, err := s.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 最新值不受历史清理影响
	_, ok, err := s.Load(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
}
