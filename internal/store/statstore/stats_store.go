// Package statstore persists the last published per-account stats.
//
// 统计快照必须跨进程重启保活：实时盈亏源短暂不可用时，
// 对外展示沿用这里保存的上一次结果，而不是归零。
package statstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rez/internal/types"

	_ "modernc.org/sqlite"
)

// StatsStore 管理每账户最近一次发布的统计快照。
type StatsStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewStatsStore 初始化 SQLite 存储。
func NewStatsStore(path string) (*StatsStore, error) {
	if path == "" {
		return nil, fmt.Errorf("stats store path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureStatsSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &StatsStore{db: db, path: path}, nil
}

// Close 关闭底层 DB。
func (s *StatsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureStatsSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_stats (
			account TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
		`CREATE TABLE IF NOT EXISTS agent_stats_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_stats_history_account ON agent_stats_history(account, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save 发布一次统计结果：覆盖最新值并追加一条历史。
func (s *StatsStore) Save(ctx context.Context, account string, stats types.AgentStats) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("stats store 未初始化")
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO agent_stats (account, payload_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		account, string(payload), now); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO agent_stats_history (account, payload_json, created_at) VALUES (?, ?, ?)`,
		account, string(payload), now)
	return err
}

// Load 返回账户最近一次发布的统计；没有历史时第二个返回值为 false。
func (s *StatsStore) Load(ctx context.Context, account string) (types.AgentStats, bool, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return types.AgentStats{}, false, fmt.Errorf("stats store 未初始化")
	}
	var payload string
	err := db.QueryRowContext(ctx,
		`SELECT payload_json FROM agent_stats WHERE account = ?`, account).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.AgentStats{}, false, nil
		}
		return types.AgentStats{}, false, err
	}
	var stats types.AgentStats
	if err := json.Unmarshal([]byte(payload), &stats); err != nil {
		return types.AgentStats{}, false, err
	}
	return stats, true, nil
}

// History 返回账户最近的发布历史（时间倒序）。
func (s *StatsStore) History(ctx context.Context, account string, limit int) ([]types.AgentStats, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("stats store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT payload_json FROM agent_stats_history
		WHERE account = ? ORDER BY created_at DESC, id DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.AgentStats
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var stats types.AgentStats
		if err := json.Unmarshal([]byte(payload), &stats); err != nil {
			continue
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

// Prune 删除指定时间之前的历史记录，返回删除条数。
func (s *StatsStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("stats store 未初始化")
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM agent_stats_history WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
