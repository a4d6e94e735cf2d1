package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Config 是服务的完整配置树。字段沿用 toml tag 命名，
// 配置文件本身是 YAML（历史原因，解码时统一走 toml tag）。
type Config struct {
	App   AppConfig   `toml:"app"`
	Recon ReconConfig `toml:"recon"`
	Store StoreConfig `toml:"store"`
	HTTP  HTTPConfig  `toml:"http"`
}

// AppConfig 进程级设置。
type AppConfig struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// ReconConfig 对账输入工件的寻址与读取参数。
type ReconConfig struct {
	// DataDir 存放按账户命名的工件（<account>.jsonl 等）。
	DataDir string `toml:"data_dir"`
	// 以下三个是单账户部署时的共享工件路径。
	DiaryFile      string `toml:"diary_file"`
	ProcessLogFile string `toml:"process_log_file"`
	SnapshotFile   string `toml:"snapshot_file"`
	// AccountsFile 指向多账户 registry 配置；为空时退化为单账户模式。
	AccountsFile string `toml:"accounts_file"`
	// DiaryLimit 每次读取 diary 的最大条数（取尾部），0 表示不限。
	DiaryLimit int `toml:"diary_limit"`
}

// StoreConfig 持久层路径。
type StoreConfig struct {
	StatsPath  string `toml:"stats_path"`
	TradesPath string `toml:"trades_path"`
}

// HTTPConfig 查询 API 设置。
type HTTPConfig struct {
	Listen string `toml:"listen"`
	// LogTailMaxLines 限制 /logs 接口单次返回的行数上限。
	LogTailMaxLines int `toml:"log_tail_max_lines"`
}

type keySet map[string]bool

func (s keySet) mark(key string) {
	if s == nil {
		return
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return
	}
	s[key] = true
}

func (s keySet) has(key string) bool {
	if s == nil {
		return false
	}
	return s[strings.ToLower(strings.TrimSpace(key))]
}

// applyDefaults 只填补配置文件里未出现的键，显式写下的空值不被覆盖。
func (c *Config) applyDefaults(setKeys keySet) {
	if !setKeys.has("app.log_level") {
		c.App.LogLevel = "info"
	}
	if !setKeys.has("recon.data_dir") {
		c.Recon.DataDir = "data"
	}
	if !setKeys.has("recon.diary_file") {
		c.Recon.DiaryFile = filepath.Join(c.Recon.DataDir, "diary.jsonl")
	}
	if !setKeys.has("recon.process_log_file") {
		c.Recon.ProcessLogFile = filepath.Join(c.Recon.DataDir, "session.log")
	}
	if !setKeys.has("recon.snapshot_file") {
		c.Recon.SnapshotFile = filepath.Join(c.Recon.DataDir, "state.json")
	}
	if !setKeys.has("recon.diary_limit") {
		c.Recon.DiaryLimit = 500
	}
	if !setKeys.has("store.stats_path") {
		c.Store.StatsPath = filepath.Join(c.Recon.DataDir, "stats.db")
	}
	if !setKeys.has("store.trades_path") {
		c.Store.TradesPath = filepath.Join(c.Recon.DataDir, "trades.db")
	}
	if !setKeys.has("http.listen") {
		c.HTTP.Listen = ":8890"
	}
	if !setKeys.has("http.log_tail_max_lines") {
		c.HTTP.LogTailMaxLines = 500
	}
}

func validate(c *Config) error {
	switch strings.ToLower(strings.TrimSpace(c.App.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level invalid: %s", c.App.LogLevel)
	}
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		return fmt.Errorf("http.listen cannot be empty")
	}
	if c.Recon.DiaryLimit < 0 {
		return fmt.Errorf("recon.diary_limit cannot be negative")
	}
	if c.HTTP.LogTailMaxLines <= 0 {
		return fmt.Errorf("http.log_tail_max_lines must be positive")
	}
	return nil
}
