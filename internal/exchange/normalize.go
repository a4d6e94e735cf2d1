package exchange

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"rez/internal/logger"
	"rez/internal/pkg/convert"
	"rez/internal/types"

	"github.com/tidwall/gjson"
)

// Snapshot 是一次快照规范化的结果。
type Snapshot struct {
	Positions  []types.Position
	Fills      []types.Fill
	OpenOrders []types.Order
	Account    types.AccountState
	// HasAccount 为 false 表示快照里没有账户级字段（例如只含 fills 的增量快照）。
	HasAccount bool
	// HasLedger 表示快照带出入金流水，TotalRealizedPnL 才是可信的实时口径。
	HasLedger bool
}

// Normalize 把交易所形状的原始快照转换为规范模型。
// 空输入返回零值快照；非法 JSON 返回错误（上游决定是否沿用旧数据）。
func Normalize(raw []byte) (Snapshot, error) {
	if len(raw) == 0 {
		return Snapshot{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return Snapshot{}, fmt.Errorf("exchange: snapshot is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)

	var snap Snapshot
	snap.Positions = normalizePositions(doc.Get("assetPositions"))
	snap.Fills = normalizeFills(doc.Get("fills"))
	snap.OpenOrders = normalizeOrders(doc.Get("openOrders"))
	snap.Account, snap.HasAccount, snap.HasLedger = normalizeAccount(doc, snap.Positions)
	return snap, nil
}

// normalizePositions 过滤零仓位并从 szi 符号推导方向。
// 每个条目可以是 {position:{...}} 包裹，也可以是扁平对象。
func normalizePositions(arr gjson.Result) []types.Position {
	var out []types.Position
	arr.ForEach(func(_, item gjson.Result) bool {
		pos := item
		if inner := item.Get("position"); inner.Exists() {
			pos = inner
		}
		szi := pos.Get("szi").Float()
		if szi == 0 {
			return true // 零仓位不是持仓
		}
		qty := math.Abs(szi)
		side := "long"
		if szi < 0 {
			side = "short"
		}
		value := math.Abs(pos.Get("positionValue").Float())
		current := pos.Get("markPx").Float()
		if current == 0 && qty > 0 {
			current = value / qty
		}
		entry := pos.Get("entryPx").Float()
		if current == 0 {
			current = entry
		}
		leverage := pos.Get("leverage.value").Float()
		if leverage == 0 {
			leverage = pos.Get("leverage").Float()
		}
		out = append(out, types.Position{
			Asset:            strings.ToUpper(pos.Get("coin").String()),
			Side:             side,
			EntryPrice:       entry,
			CurrentPrice:     current,
			Quantity:         qty,
			Leverage:         leverage,
			UnrealizedPnL:    pos.Get("unrealizedPnl").Float(),
			LiquidationPrice: pos.Get("liquidationPx").Float(),
			PositionValue:    value,
		})
		return true
	})
	return out
}

// normalizeFills 把成交按时间升序输出；无法识别方向的成交被丢弃并告警。
func normalizeFills(arr gjson.Result) []types.Fill {
	var out []types.Fill
	arr.ForEach(func(_, item gjson.Result) bool {
		dir, ok := parseDirection(item.Get("dir").String())
		if !ok {
			logger.Warnf("[exchange] dropping fill with unknown dir=%q coin=%s",
				item.Get("dir").String(), item.Get("coin").String())
			return true
		}
		px := item.Get("px").Float()
		sz := math.Abs(item.Get("sz").Float())
		fill := types.Fill{
			Asset:           strings.ToUpper(item.Get("coin").String()),
			Direction:       dir,
			Price:           px,
			Quantity:        sz,
			Notional:        px * sz,
			FeeUSD:          item.Get("fee").Float(),
			RealizedPnL:     item.Get("closedPnl").Float(),
			TimestampMs:     convert.ToUnixMillis(item.Get("time").Int()),
			TransactionHash: item.Get("hash").String(),
		}
		if tid := item.Get("tid"); tid.Exists() {
			fill.ID = tid.String()
		} else if fill.TransactionHash != "" {
			fill.ID = fill.TransactionHash
		} else {
			fill.ID = fmt.Sprintf("%s-%d-%s", fill.Asset, fill.TimestampMs, dir)
		}
		out = append(out, fill)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out
}

// parseDirection 容忍 "Open Long" / "open-long" / "Close Short" 等写法。
func parseDirection(raw string) (types.FillDirection, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), " ", "-")
	switch types.FillDirection(norm) {
	case types.FillOpenLong, types.FillOpenShort, types.FillCloseLong, types.FillCloseShort:
		return types.FillDirection(norm), true
	}
	// 自动减仓/清算在 dir 里带前缀，按平仓处理
	switch {
	case strings.Contains(norm, "close-long"), strings.Contains(norm, "long->short"):
		return types.FillCloseLong, true
	case strings.Contains(norm, "close-short"), strings.Contains(norm, "short->long"):
		return types.FillCloseShort, true
	}
	return "", false
}

func normalizeOrders(arr gjson.Result) []types.Order {
	var out []types.Order
	arr.ForEach(func(_, item gjson.Result) bool {
		side := strings.ToLower(item.Get("side").String())
		switch side {
		case "b", "buy":
			side = "buy"
		case "a", "s", "sell":
			side = "sell"
		}
		out = append(out, types.Order{
			ID:           item.Get("oid").String(),
			Asset:        strings.ToUpper(item.Get("coin").String()),
			Side:         side,
			Size:         math.Abs(item.Get("sz").Float()),
			LimitPrice:   item.Get("limitPx").Float(),
			TriggerPrice: item.Get("triggerPx").Float(),
			OrderType:    item.Get("orderType").String(),
			TimestampMs:  convert.ToUnixMillis(item.Get("timestamp").Int()),
		})
		return true
	})
	return out
}

// normalizeAccount 汇总账户级资金状态。
// totalRealizedPnl = accountValue − netDeposits，净入金来自 ledger 流水；
// 没有 ledger 时两者都保持 0，调用方据此跳过统计刷新。
func normalizeAccount(doc gjson.Result, positions []types.Position) (types.AccountState, bool, bool) {
	summary := doc.Get("marginSummary")
	if !summary.Exists() {
		summary = doc.Get("crossMarginSummary")
	}
	if !summary.Exists() {
		return types.AccountState{}, false, false
	}

	var acct types.AccountState
	acct.AccountValue = summary.Get("accountValue").Float()
	acct.MarginUsed = summary.Get("totalMarginUsed").Float()
	if acct.MarginUsed == 0 {
		// 部分快照缺 totalMarginUsed，用持仓名义价值兜底
		for _, p := range positions {
			acct.MarginUsed += p.PositionValue
		}
	}
	if w := doc.Get("withdrawable"); w.Exists() {
		acct.Balance = w.Float()
	} else {
		acct.Balance = acct.AccountValue - acct.MarginUsed
	}
	for _, p := range positions {
		acct.UnrealizedPnL += p.UnrealizedPnL
	}

	hasFlow := false
	doc.Get("ledger").ForEach(func(_, item gjson.Result) bool {
		kind := strings.ToLower(item.Get("type").String())
		amt := item.Get("usdc").Float()
		switch kind {
		case "deposit":
			acct.NetDeposits += math.Abs(amt)
			hasFlow = true
		case "withdraw", "withdrawal":
			acct.NetDeposits -= math.Abs(amt)
			hasFlow = true
		case "internaltransfer":
			// 内部转账也是资金流，金额符号自带方向
			acct.NetDeposits += amt
			hasFlow = true
		}
		return true
	})
	if hasFlow {
		acct.TotalRealizedPnL = acct.AccountValue - acct.NetDeposits
	}
	return acct, true, hasFlow
}
