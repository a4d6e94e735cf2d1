package types

import "time"

// DiaryAction 枚举决策日记中的动作类型。
type DiaryAction string

const (
	ActionHold           DiaryAction = "hold"
	ActionOpenLong       DiaryAction = "buy"
	ActionOpenShort      DiaryAction = "sell"
	ActionReconcileClose DiaryAction = "reconcile_close"
)

// IsOpen 判断动作是否为开仓尝试（做多/做空）。
func (a DiaryAction) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// Opposite 返回开仓动作的对向动作；非开仓动作返回空。
func (a DiaryAction) Opposite() DiaryAction {
	switch a {
	case ActionOpenLong:
		return ActionOpenShort
	case ActionOpenShort:
		return ActionOpenLong
	default:
		return ""
	}
}

// DiaryRecord 是 agent 决策日记（append-only JSONL）中的一条记录。
// 字段与 agent 写出的 diary.jsonl 一一对应；本服务只读。
type DiaryRecord struct {
	Timestamp      time.Time   `json:"timestamp"`
	Asset          string      `json:"asset"`
	Action         DiaryAction `json:"action"`
	Rationale      string      `json:"rationale,omitempty"`
	AllocationUSD  float64     `json:"allocation_usd,omitempty"`
	Amount         float64     `json:"amount,omitempty"`
	EntryPrice     float64     `json:"entry_price,omitempty"`
	TakeProfit     float64     `json:"tp_price,omitempty"`
	StopLoss       float64     `json:"sl_price,omitempty"`
	ExitPlan       string      `json:"exit_plan,omitempty"`
	OrderResult    string      `json:"order_result,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	OpenedAt       string      `json:"opened_at,omitempty"`
	Filled         bool        `json:"filled,omitempty"`
}

// FillDirection 是交易所回报成交的方向标签。
type FillDirection string

const (
	FillOpenLong   FillDirection = "open-long"
	FillOpenShort  FillDirection = "open-short"
	FillCloseLong  FillDirection = "close-long"
	FillCloseShort FillDirection = "close-short"
)

// IsOpen 报告该成交是否为开仓腿。
func (d FillDirection) IsOpen() bool {
	return d == FillOpenLong || d == FillOpenShort
}

// IsClose 报告该成交是否为平仓腿。
func (d FillDirection) IsClose() bool {
	return d == FillCloseLong || d == FillCloseShort
}

// Side 返回成交对应的持仓方向（long/short）。
func (d FillDirection) Side() string {
	switch d {
	case FillOpenLong, FillCloseLong:
		return "long"
	case FillOpenShort, FillCloseShort:
		return "short"
	default:
		return ""
	}
}

// Fill 是规范化后的一笔交易所成交。
type Fill struct {
	ID              string        `json:"id"`
	Asset           string        `json:"asset"`
	Direction       FillDirection `json:"direction"`
	Price           float64       `json:"price"`
	Quantity        float64       `json:"quantity"`
	Notional        float64       `json:"notional"`
	FeeUSD          float64       `json:"fee_usd"`
	RealizedPnL     float64       `json:"realized_pnl"`
	TimestampMs     int64         `json:"timestamp_ms"`
	TransactionHash string        `json:"transaction_hash,omitempty"`
}

// Position 是交易所快照中的一条实时持仓（已排除零仓位）。
type Position struct {
	Asset            string  `json:"asset"`
	Side             string  `json:"side"` // long | short
	EntryPrice       float64 `json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	Quantity         float64 `json:"quantity"`
	Leverage         float64 `json:"leverage"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	PositionValue    float64 `json:"position_value"`
}

// Order 是规范化后的一条未成交挂单。
type Order struct {
	ID           string  `json:"id"`
	Asset        string  `json:"asset"`
	Side         string  `json:"side"` // buy | sell
	Size         float64 `json:"size"`
	LimitPrice   float64 `json:"limit_price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	OrderType    string  `json:"order_type,omitempty"`
	TimestampMs  int64   `json:"timestamp_ms,omitempty"`
}

// CompletedTrade 是一笔配对完成（开→平）的回合交易。
type CompletedTrade struct {
	ID              string  `json:"id"`
	Asset           string  `json:"asset"`
	Direction       string  `json:"direction"` // long | short
	EntryPrice      float64 `json:"entry_price"`
	ExitPrice       float64 `json:"exit_price"`
	Quantity        float64 `json:"quantity"`
	EntryNotional   float64 `json:"entry_notional"`
	ExitNotional    float64 `json:"exit_notional"`
	HoldingDuration string  `json:"holding_duration"` // "1d 2h 3m" 或 "-"（未知）
	RealizedPnL     float64 `json:"realized_pnl"`
	OpenedAt        int64   `json:"opened_at"`
	ClosedAt        int64   `json:"closed_at"`
	SourceHash      string  `json:"source_hash,omitempty"`
}

// AgentStats 是基于完成交易集合与实时总盈亏的聚合表现。
type AgentStats struct {
	TotalTrades        int     `json:"total_trades"`
	WinRate            float64 `json:"win_rate"`
	TotalPnL           float64 `json:"total_pnl"`
	AvgHoldingDuration string  `json:"avg_holding_duration"`
	HoldDecisions      int     `json:"hold_decisions"`
	LongCount          int     `json:"long_count"`
	ShortCount         int     `json:"short_count"`
	LongVolume         float64 `json:"long_volume"`
	ShortVolume        float64 `json:"short_volume"`
}

// AccountState 汇总账户级别的资金状态。
type AccountState struct {
	AccountValue     float64 `json:"account_value"`
	Balance          float64 `json:"balance"`
	MarginUsed       float64 `json:"margin_used"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	NetDeposits      float64 `json:"net_deposits"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
}

// FeedKind 枚举信息流条目的类别。
type FeedKind string

const (
	FeedReasoning   FeedKind = "reasoning"
	FeedDecision    FeedKind = "decision"
	FeedTrade       FeedKind = "trade"
	FeedMarketInfo  FeedKind = "market-info"
	FeedAccountInfo FeedKind = "account-info"
)

// FeedEntry 是一条可直接展示的信息流消息。
type FeedEntry struct {
	ID        string    `json:"id"`
	Kind      FeedKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Asset     string    `json:"asset,omitempty"`
	Text      string    `json:"text"`
}

// ReconBundle 是一次 read-and-reconcile 的完整输出。
type ReconBundle struct {
	Account         string           `json:"account"`
	Positions       []Position       `json:"positions"`
	CompletedTrades []CompletedTrade `json:"completed_trades"`
	OpenOrders      []Order          `json:"open_orders"`
	Stats           *AgentStats      `json:"stats,omitempty"`
	AccountState    *AccountState    `json:"account_state,omitempty"`
	Feed            []FeedEntry      `json:"feed"`
	GeneratedAt     time.Time        `json:"generated_at"`
}
