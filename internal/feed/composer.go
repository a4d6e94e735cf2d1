// Package feed composes the display feed shown alongside an agent's account.
package feed

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"rez/internal/types"

	"github.com/google/uuid"
)

var feedNamespace = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// Input 是一次信息流合成的全部素材。
type Input struct {
	// Reasoning 是进程日志提取出的推理/理由条目（kind 已标好）。
	Reasoning []types.FeedEntry
	Account   *types.AccountState
	Positions []types.Position
	// Assets 是该账户跟踪的资产列表，决定 market-info 条目的数量与顺序。
	Assets []string
	Diary  []types.DiaryRecord
	Now    time.Time
}

// Compose 按固定优先级拼装信息流：推理摘要 → 账户概览 → 每资产行情 →
// 日记叙述。日记叙述只在完全没有推理条目时才出现，避免两路重复刷屏。
func Compose(in Input) []types.FeedEntry {
	out := make([]types.FeedEntry, 0, len(in.Reasoning)+len(in.Assets)+len(in.Diary)+1)

	reasoning := dedupe(in.Reasoning)
	sort.SliceStable(reasoning, func(i, j int) bool {
		return reasoning[i].Timestamp.After(reasoning[j].Timestamp)
	})
	out = append(out, reasoning...)

	if in.Account != nil {
		out = append(out, stamp(types.FeedEntry{
			Kind:      types.FeedAccountInfo,
			Timestamp: in.Now,
			Text:      accountText(*in.Account),
		}))
	}

	byAsset := make(map[string]types.Position, len(in.Positions))
	for _, p := range in.Positions {
		byAsset[p.Asset] = p
	}
	for _, asset := range in.Assets {
		asset = strings.ToUpper(asset)
		entry := types.FeedEntry{Kind: types.FeedMarketInfo, Timestamp: in.Now, Asset: asset}
		if p, ok := byAsset[asset]; ok {
			entry.Text = positionText(p)
		} else {
			entry.Text = fmt.Sprintf("%s: no open position", asset)
		}
		out = append(out, stamp(entry))
	}

	if len(reasoning) == 0 {
		narration := make([]types.FeedEntry, 0, len(in.Diary))
		for _, rec := range in.Diary {
			narration = append(narration, stamp(types.FeedEntry{
				Kind:      types.FeedDecision,
				Timestamp: rec.Timestamp,
				Asset:     rec.Asset,
				Text:      narrate(rec),
			}))
		}
		sort.SliceStable(narration, func(i, j int) bool {
			return narration[i].Timestamp.After(narration[j].Timestamp)
		})
		out = append(out, narration...)
	}
	return out
}

func accountText(a types.AccountState) string {
	return fmt.Sprintf("Account value $%.2f | balance $%.2f | margin used $%.2f | unrealized PnL %+.2f",
		a.AccountValue, a.Balance, a.MarginUsed, a.UnrealizedPnL)
}

func positionText(p types.Position) string {
	return fmt.Sprintf("%s: %s %.4g @ %.2f, mark %.2f, uPnL %+.2f",
		p.Asset, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL)
}

// narrate 为没有推理摘要可用时的日记兜底文案。
func narrate(rec types.DiaryRecord) string {
	if strings.TrimSpace(rec.Rationale) != "" {
		return rec.Rationale
	}
	switch rec.Action {
	case types.ActionOpenLong:
		return fmt.Sprintf("Opened long on %s", rec.Asset)
	case types.ActionOpenShort:
		return fmt.Sprintf("Opened short on %s", rec.Asset)
	case types.ActionReconcileClose:
		return fmt.Sprintf("Reconciled a closed position on %s", rec.Asset)
	default:
		return fmt.Sprintf("Holding %s", rec.Asset)
	}
}

// dedupe 去掉完全相同的推理文本（agent 会在连续轮次里重复同一段摘要）。
func dedupe(entries []types.FeedEntry) []types.FeedEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]types.FeedEntry, 0, len(entries))
	for _, e := range entries {
		key := string(e.Kind) + "|" + e.Asset + "|" + e.Text
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, stamp(e))
	}
	return out
}

// stamp 派生确定性条目 ID：同样的输入两次合成得到同样的流。
func stamp(e types.FeedEntry) types.FeedEntry {
	if e.ID == "" {
		key := fmt.Sprintf("%s|%s|%d|%s", e.Kind, e.Asset, e.Timestamp.UnixMilli(), e.Text)
		e.ID = uuid.NewSHA1(feedNamespace, []byte(key)).String()
	}
	return e
}
