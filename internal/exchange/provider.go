// Package exchange loads and normalizes perp-exchange account snapshots.
package exchange

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Provider 提供一个账户的原始交易所快照（JSON 字节）。
// 快照由 agent 侧周期性落盘，本服务只消费。
type Provider interface {
	Fetch(ctx context.Context, account string) ([]byte, time.Time, error)
}

// FileProvider 从磁盘读取快照：优先 <dataDir>/<account>_state.json，
// 缺失时回退到共享 sharedPath。文件不存在返回空快照而非错误。
type FileProvider struct {
	dataDir    string
	sharedPath string

	mu        sync.RWMutex
	overrides map[string]string
}

func NewFileProvider(dataDir, sharedPath string) *FileProvider {
	return &FileProvider{dataDir: dataDir, sharedPath: sharedPath, overrides: make(map[string]string)}
}

// SetOverride 为某账户指定显式快照路径；空 path 清除覆盖。
func (p *FileProvider) SetOverride(account, path string) {
	account = strings.TrimSpace(account)
	if account == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(path) == "" {
		delete(p.overrides, account)
		return
	}
	p.overrides[account] = path
}

// Path 返回给定账户实际会被读取的快照路径。
func (p *FileProvider) Path(account string) string {
	account = strings.TrimSpace(account)
	p.mu.RLock()
	override := p.overrides[account]
	p.mu.RUnlock()
	if override != "" {
		return override
	}
	if account != "" && p.dataDir != "" && !strings.ContainsAny(account, `/\`) && !strings.Contains(account, "..") {
		candidate := filepath.Join(p.dataDir, account+"_state.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return p.sharedPath
}

func (p *FileProvider) Fetch(_ context.Context, account string) ([]byte, time.Time, error) {
	path := p.Path(account)
	if strings.TrimSpace(path) == "" {
		return nil, time.Time{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime().UTC(), nil
}
