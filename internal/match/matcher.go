// Package match pairs opening and closing trade events into completed trades.
//
// 两条独立路径产出同一种输出：交易所成交（权威）与决策日记重建（兜底），
// 由 Match 按优先级选择。
package match

import (
	"sort"
	"strconv"
	"time"

	"rez/internal/diary"
	"rez/internal/pkg/timefmt"
	"rez/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source 标记完成交易集合的来源。
type Source string

const (
	SourceFills Source = "fills"
	SourceDiary Source = "diary"
)

// tradeNamespace 用于派生确定性的交易 ID：同一输入永远得到同一 ID，
// 保证 reconciliation 的幂等性。
var tradeNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// Result 是一次撮合的完整输出。
type Result struct {
	Trades []types.CompletedTrade
	// UnmatchedOpens 是日记里开了仓但从未配对平仓的记录，
	// 在交易所快照不可用时用作活跃持仓的兜底来源。
	UnmatchedOpens []types.DiaryRecord
	Source         Source
}

// Match 执行三趟撮合。成交撮合（Pass C）只要产出非空结果就整体取代
// 日记重建（Pass A/B）；日记路径仅在成交窗口为空时启用。
func Match(records []types.DiaryRecord, fills []types.Fill) Result {
	diaryTrades, leftovers := matchDiarySequential(records)

	if fillTrades := matchFills(fills); len(fillTrades) > 0 {
		sortByCloseDesc(fillTrades)
		return Result{Trades: fillTrades, UnmatchedOpens: leftovers, Source: SourceFills}
	}

	trades := matchDiaryCorrelation(records)
	trades = append(trades, diaryTrades...)
	sortByCloseDesc(trades)
	return Result{Trades: trades, UnmatchedOpens: leftovers, Source: SourceDiary}
}

// matchDiaryCorrelation 是 Pass A：reconcile_close 记录通过 opened_at
// 关联 id 找到同资产的开仓记录。该路径没有独立的平仓价，
// entry=exit 取开仓价且 pnl 恒为 0；找不到开仓或开仓缺价格/数量时不产出。
func matchDiaryCorrelation(records []types.DiaryRecord) []types.CompletedTrade {
	opens := make(map[string]types.DiaryRecord)
	for _, rec := range records {
		if rec.Action.IsOpen() && rec.OpenedAt != "" {
			opens[rec.Asset+"|"+rec.OpenedAt] = rec
		}
	}

	var out []types.CompletedTrade
	for _, rec := range records {
		if rec.Action != types.ActionReconcileClose || rec.OpenedAt == "" {
			continue
		}
		open, ok := opens[rec.Asset+"|"+rec.OpenedAt]
		if !ok || open.EntryPrice == 0 || open.Amount == 0 {
			continue
		}
		direction := "long"
		if open.Action == types.ActionOpenShort {
			direction = "short"
		}
		notional := open.EntryPrice * open.Amount
		out = append(out, types.CompletedTrade{
			ID:              tradeID("diary-corr", rec.Asset, open.OpenedAt, rec.Timestamp.UTC().Format(time.RFC3339)),
			Asset:           rec.Asset,
			Direction:       direction,
			EntryPrice:      open.EntryPrice,
			ExitPrice:       open.EntryPrice,
			Quantity:        open.Amount,
			EntryNotional:   notional,
			ExitNotional:    notional,
			HoldingDuration: timefmt.FormatDuration(rec.Timestamp.Sub(open.Timestamp)),
			RealizedPnL:     0,
			OpenedAt:        open.Timestamp.UnixMilli(),
			ClosedAt:        rec.Timestamp.UnixMilli(),
		})
	}
	return out
}

// matchDiarySequential 是 Pass B：只看真实成交的开仓记录，按时间顺序
// 做同资产、方向交替的 FIFO 配对。未配对的开仓作为兜底持仓返回；
// 没有对应开仓的平仓记录按噪声丢弃（如进程重启导致开仓未入日记）。
func matchDiarySequential(records []types.DiaryRecord) ([]types.CompletedTrade, []types.DiaryRecord) {
	queues := make(map[string][]types.DiaryRecord)
	var (
		out   []types.CompletedTrade
		order []string
	)
	for _, rec := range records {
		if !diary.Executed(rec) {
			continue
		}
		queue := queues[rec.Asset]
		if len(queue) > 0 && queue[0].Action == rec.Action.Opposite() {
			open := queue[0]
			queues[rec.Asset] = queue[1:]
			out = append(out, pairDiary(open, rec))
			continue
		}
		if len(queue) == 0 {
			order = append(order, rec.Asset)
		}
		queues[rec.Asset] = append(queue, rec)
	}

	var leftovers []types.DiaryRecord
	for _, asset := range order {
		leftovers = append(leftovers, queues[asset]...)
	}
	return out, leftovers
}

func pairDiary(open, close types.DiaryRecord) types.CompletedTrade {
	qty := open.Amount
	if close.Amount > 0 && close.Amount < qty {
		qty = close.Amount
	}
	entry := open.EntryPrice
	exit := close.EntryPrice

	direction := "long"
	pnl := roundedPnL(exit, entry, qty)
	if open.Action == types.ActionOpenShort {
		direction = "short"
		pnl = roundedPnL(entry, exit, qty)
	}
	return types.CompletedTrade{
		ID: tradeID("diary-seq", open.Asset,
			open.Timestamp.UTC().Format(time.RFC3339), close.Timestamp.UTC().Format(time.RFC3339)),
		Asset:           open.Asset,
		Direction:       direction,
		EntryPrice:      entry,
		ExitPrice:       exit,
		Quantity:        qty,
		EntryNotional:   entry * qty,
		ExitNotional:    exit * qty,
		HoldingDuration: timefmt.FormatDuration(close.Timestamp.Sub(open.Timestamp)),
		RealizedPnL:     pnl,
		OpenedAt:        open.Timestamp.UnixMilli(),
		ClosedAt:        close.Timestamp.UnixMilli(),
	}
}

// matchFills 是 Pass C：成交按时间升序，每资产一个开仓 FIFO 队列。
// 平仓成交弹出最早的开仓；队列为空的平仓仍然产出交易
// （entry 取平仓价、持仓时长未知）。带非零 realizedPnl 却始终没等到
// 平仓腿的开仓成交同样保留——交易所回报的盈亏不允许被静默丢失。
// 盈亏直接取交易所回报的 realizedPnl，绝不本地重算。
func matchFills(fills []types.Fill) []types.CompletedTrade {
	sorted := make([]types.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimestampMs < sorted[j].TimestampMs })

	queues := make(map[string][]types.Fill)
	matched := make(map[string]struct{})
	var out []types.CompletedTrade
	for _, fill := range sorted {
		if fill.Direction.IsOpen() {
			queues[fill.Asset] = append(queues[fill.Asset], fill)
			continue
		}
		if !fill.Direction.IsClose() {
			continue
		}
		queue := queues[fill.Asset]
		if len(queue) == 0 {
			out = append(out, orphanTrade(fill))
			continue
		}
		open := queue[0]
		queues[fill.Asset] = queue[1:]
		matched[open.ID] = struct{}{}

		holdingMs := fill.TimestampMs - open.TimestampMs
		out = append(out, types.CompletedTrade{
			ID:              tradeID("fill", fill.Asset, open.ID, fill.ID),
			Asset:           fill.Asset,
			Direction:       fill.Direction.Side(),
			EntryPrice:      open.Price,
			ExitPrice:       fill.Price,
			Quantity:        fill.Quantity,
			EntryNotional:   open.Price * fill.Quantity,
			ExitNotional:    fill.Notional,
			HoldingDuration: timefmt.FormatDuration(time.Duration(holdingMs) * time.Millisecond),
			RealizedPnL:     fill.RealizedPnL,
			OpenedAt:        open.TimestampMs,
			ClosedAt:        fill.TimestampMs,
			SourceHash:      fill.TransactionHash,
		})
	}

	// 留在队列里的开仓腿若已带盈亏（窗口截断、部分平仓并腿），同样产出
	for _, fill := range sorted {
		if !fill.Direction.IsOpen() || fill.RealizedPnL == 0 {
			continue
		}
		if _, ok := matched[fill.ID]; ok {
			continue
		}
		out = append(out, orphanTrade(fill))
	}
	return out
}

// orphanTrade 把缺配对腿的成交原样转成交易：entry=exit 取成交价，
// 持仓时长未知，盈亏沿用交易所回报值。
func orphanTrade(fill types.Fill) types.CompletedTrade {
	return types.CompletedTrade{
		ID:              tradeID("fill-orphan", fill.Asset, fill.ID, strconv.FormatInt(fill.TimestampMs, 10)),
		Asset:           fill.Asset,
		Direction:       fill.Direction.Side(),
		EntryPrice:      fill.Price,
		ExitPrice:       fill.Price,
		Quantity:        fill.Quantity,
		EntryNotional:   fill.Notional,
		ExitNotional:    fill.Notional,
		HoldingDuration: timefmt.UnknownDuration,
		RealizedPnL:     fill.RealizedPnL,
		OpenedAt:        fill.TimestampMs,
		ClosedAt:        fill.TimestampMs,
		SourceHash:      fill.TransactionHash,
	}
}

// roundedPnL 计算 (a-b)*qty 并四舍五入到 2 位小数，避免浮点尾差。
func roundedPnL(a, b, qty float64) float64 {
	d := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Mul(decimal.NewFromFloat(qty))
	return d.Round(2).InexactFloat64()
}

func tradeID(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += p + "|"
	}
	return uuid.NewSHA1(tradeNamespace, []byte(key)).String()
}

func sortByCloseDesc(trades []types.CompletedTrade) {
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ClosedAt > trades[j].ClosedAt })
}
