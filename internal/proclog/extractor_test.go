package proclog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rez/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `[2024-05-01T10:00:00+00:00] Starting trading cycle
[2024-05-01T10:00:05+00:00] LLM reasoning summary: Market structure favors longs.
BTC holding above support, funding neutral.
Plan: scale into BTC, watch ETH for breakdown.
[2024-05-01T10:00:10+00:00] Decision rationale for BTC: momentum continuation above 50k
[2024-05-01T10:00:11+00:00] Decision rationale for ETH: no edge, staying flat
[2024-05-01T10:00:12+00:00] Order placed for BTC
`

func TestScanReasoningBlock(t *testing.T) {
	got := Scan(strings.NewReader(sampleLog))

	require.Len(t, got.Reasoning, 1)
	r := got.Reasoning[0]
	assert.Equal(t, "2024-05-01T10:00:05Z", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	assert.True(t, strings.HasPrefix(r.Text, "Market structure favors longs."))
	// 多行块必须保留内嵌换行
	assert.Contains(t, r.Text, "\nBTC holding above support")
	assert.True(t, strings.HasSuffix(r.Text, "watch ETH for breakdown."))

	require.Len(t, got.Rationales, 2)
	assert.Equal(t, "BTC", got.Rationales[0].Asset)
	assert.Equal(t, "momentum continuation above 50k", got.Rationales[0].Text)
	assert.Equal(t, "ETH", got.Rationales[1].Asset)
}

func TestScanBlockRunsToEOF(t *testing.T) {
	log := "[2024-05-01T10:00:05Z] LLM reasoning summary: first line\nsecond line"
	got := Scan(strings.NewReader(log))
	require.Len(t, got.Reasoning, 1)
	assert.Equal(t, "first line\nsecond line", got.Reasoning[0].Text)
}

func TestScanEmptyBlockDropped(t *testing.T) {
	log := "[2024-05-01T10:00:05Z] LLM reasoning summary:\n[2024-05-01T10:00:06Z] next\n"
	got := Scan(strings.NewReader(log))
	assert.Empty(t, got.Reasoning)
}

func TestScanIgnoresUnparsableTimestamps(t *testing.T) {
	log := "[garbage] LLM reasoning summary: should not appear\n" +
		"[2024-05-01T10:00:10Z] Decision rationale for SOL: fading the pump\n"
	got := Scan(strings.NewReader(log))
	assert.Empty(t, got.Reasoning)
	require.Len(t, got.Rationales, 1)
	assert.Equal(t, "SOL", got.Rationales[0].Asset)
}

func TestExtractMissingFile(t *testing.T) {
	dir := t.TempDir()
	e := NewExtractor(dir, filepath.Join(dir, "missing.log"))
	got, err := e.Extract("0xabc")
	require.NoError(t, err)
	assert.Empty(t, got.Reasoning)
	assert.Empty(t, got.Rationales)
}

func TestExtractPrefersAccountLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0xabc.log"),
		[]byte("[2024-05-01T10:00:00Z] Decision rationale for BTC: own log\n"), 0o644))
	shared := filepath.Join(dir, "session.log")
	require.NoError(t, os.WriteFile(shared,
		[]byte("[2024-05-01T10:00:00Z] Decision rationale for ETH: shared log\n"), 0o644))

	e := NewExtractor(dir, shared)
	got, err := e.Extract("0xabc")
	require.NoError(t, err)
	require.Len(t, got.Rationales, 1)
	assert.Equal(t, "BTC", got.Rationales[0].Asset)

	got, err = e.Extract("0xother")
	require.NoError(t, err)
	require.Len(t, got.Rationales, 1)
	assert.Equal(t, "ETH", got.Rationales[0].Asset)
}

func TestFeedEntries(t *testing.T) {
	got := Scan(strings.NewReader(sampleLog))
	entries := got.FeedEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, types.FeedReasoning, entries[0].Kind)
	assert.Equal(t, types.FeedDecision, entries[1].Kind)
	assert.Equal(t, "BTC", entries[1].Asset)
}
