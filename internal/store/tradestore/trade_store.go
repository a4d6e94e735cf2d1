// Package tradestore archives reconciled trades using Gorm + SQLite.
package tradestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rez/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// TradeStore 持久化完成交易的归档与每轮 reconcile 审计。
// 归档是展示层之外的旁路产物：交易所成交窗口滚动后仍可追溯历史回合。
type TradeStore struct {
	db *gorm.DB
}

// NewTradeStore initializes the archive database.
func NewTradeStore(path string) (*TradeStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("trade store: 归档路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&completedTradeModel{}, &reconcileAuditModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &TradeStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *TradeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertTrades 幂等写入一批完成交易：交易 ID 是确定性派生的，
// 重复 reconcile 同一窗口只会覆盖同一行。
func (s *TradeStore) UpsertTrades(ctx context.Context, account string, trades []types.CompletedTrade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trade store 未初始化")
	}
	if len(trades) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	models := make([]completedTradeModel, 0, len(trades))
	for _, trade := range trades {
		raw, _ := json.Marshal(trade)
		models = append(models, completedTradeModel{
			TradeID:         trade.ID,
			Account:         strings.TrimSpace(account),
			Asset:           strings.ToUpper(strings.TrimSpace(trade.Asset)),
			Direction:       trade.Direction,
			EntryPrice:      trade.EntryPrice,
			ExitPrice:       trade.ExitPrice,
			Quantity:        trade.Quantity,
			EntryNotional:   trade.EntryNotional,
			ExitNotional:    trade.ExitNotional,
			HoldingDuration: trade.HoldingDuration,
			RealizedPnL:     trade.RealizedPnL,
			OpenedAt:        trade.OpenedAt,
			ClosedAt:        trade.ClosedAt,
			SourceHash:      trade.SourceHash,
			Raw:             datatypes.JSON(raw),
			CreatedAtUnix:   now,
			UpdatedAtUnix:   now,
		})
	}
	cols := []string{
		"direction", "entry_price", "exit_price", "quantity", "entry_notional",
		"exit_notional", "holding_duration", "realized_pnl", "opened_at", "closed_at",
		"source_hash", "raw", "updated_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&models).Error
}

// ListTrades 返回账户的归档交易（平仓时间倒序），可按资产过滤。
func (s *TradeStore) ListTrades(ctx context.Context, account, asset string, limit, offset int) ([]types.CompletedTrade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trade store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&completedTradeModel{}).
		Where("account = ?", strings.TrimSpace(account))
	if sym := strings.ToUpper(strings.TrimSpace(asset)); sym != "" {
		query = query.Where("asset = ?", sym)
	}
	var models []completedTradeModel
	if err := query.
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.CompletedTrade, 0, len(models))
	for _, m := range models {
		out = append(out, m.toTrade())
	}
	return out, nil
}

// CountTrades 返回账户归档交易总数。
func (s *TradeStore) CountTrades(ctx context.Context, account string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("trade store 未初始化")
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&completedTradeModel{}).
		Where("account = ?", strings.TrimSpace(account)).
		Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// AuditRecord 是一轮 reconcile 的审计摘要。
type AuditRecord struct {
	Account    string         `json:"account"`
	Source     string         `json:"source"`
	TradeCount int            `json:"trade_count"`
	Positions  int            `json:"positions"`
	DurationMs int64          `json:"duration_ms"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AppendAudit 追加一条 reconcile 审计。
func (s *TradeStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("trade store 未初始化")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	detailBytes, _ := json.Marshal(rec.Details)
	model := reconcileAuditModel{
		Account:       strings.TrimSpace(rec.Account),
		Source:        strings.TrimSpace(rec.Source),
		TradeCount:    rec.TradeCount,
		Positions:     rec.Positions,
		DurationMs:    rec.DurationMs,
		Details:       datatypes.JSON(detailBytes),
		CreatedAtUnix: rec.CreatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListAudits 返回账户最近的审计记录（时间倒序）。
func (s *TradeStore) ListAudits(ctx context.Context, account string, limit int) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("trade store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []reconcileAuditModel
	if err := s.db.WithContext(ctx).
		Where("account = ?", strings.TrimSpace(account)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]AuditRecord, 0, len(models))
	for _, m := range models {
		var details map[string]any
		if len(m.Details) > 0 {
			_ = json.Unmarshal(m.Details, &details)
		}
		out = append(out, AuditRecord{
			Account:    m.Account,
			Source:     m.Source,
			TradeCount: m.TradeCount,
			Positions:  m.Positions,
			DurationMs: m.DurationMs,
			Details:    details,
			CreatedAt:  time.UnixMilli(m.CreatedAtUnix),
		})
	}
	return out, nil
}

// --------------------------- Models ------------------------------------

type completedTradeModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	TradeID         string         `gorm:"column:trade_id;uniqueIndex"`
	Account         string         `gorm:"column:account;index"`
	Asset           string         `gorm:"column:asset;index"`
	Direction       string         `gorm:"column:direction"`
	EntryPrice      float64        `gorm:"column:entry_price"`
	ExitPrice       float64        `gorm:"column:exit_price"`
	Quantity        float64        `gorm:"column:quantity"`
	EntryNotional   float64        `gorm:"column:entry_notional"`
	ExitNotional    float64        `gorm:"column:exit_notional"`
	HoldingDuration string         `gorm:"column:holding_duration"`
	RealizedPnL     float64        `gorm:"column:realized_pnl"`
	OpenedAt        int64          `gorm:"column:opened_at"`
	ClosedAt        int64          `gorm:"column:closed_at;index"`
	SourceHash      string         `gorm:"column:source_hash"`
	Raw             datatypes.JSON `gorm:"column:raw"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (completedTradeModel) TableName() string { return "completed_trades" }

func (m completedTradeModel) toTrade() types.CompletedTrade {
	return types.CompletedTrade{
		ID:              m.TradeID,
		Asset:           m.Asset,
		Direction:       m.Direction,
		EntryPrice:      m.EntryPrice,
		ExitPrice:       m.ExitPrice,
		Quantity:        m.Quantity,
		EntryNotional:   m.EntryNotional,
		ExitNotional:    m.ExitNotional,
		HoldingDuration: m.HoldingDuration,
		RealizedPnL:     m.RealizedPnL,
		OpenedAt:        m.OpenedAt,
		ClosedAt:        m.ClosedAt,
		SourceHash:      m.SourceHash,
	}
}

type reconcileAuditModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Account       string         `gorm:"column:account;index"`
	Source        string         `gorm:"column:source"`
	TradeCount    int            `gorm:"column:trade_count"`
	Positions     int            `gorm:"column:positions"`
	DurationMs    int64          `gorm:"column:duration_ms"`
	Details       datatypes.JSON `gorm:"column:details"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (reconcileAuditModel) TableName() string { return "reconcile_audit" }
