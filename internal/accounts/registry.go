// Package accounts manages the registry of tracked agent accounts.
package accounts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"rez/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Account 描述单个被跟踪的 agent 账户及其落盘工件。
type Account struct {
	Key        string   `mapstructure:"key" yaml:"key"`
	Name       string   `mapstructure:"name" yaml:"name"`
	Diary      string   `mapstructure:"diary" yaml:"diary"`
	ProcessLog string   `mapstructure:"process_log" yaml:"process_log"`
	Snapshot   string   `mapstructure:"snapshot" yaml:"snapshot"`
	Assets     []string `mapstructure:"assets" yaml:"assets"`
}

// FileConfig 映射 accounts 配置文件。
type FileConfig struct {
	Accounts map[string]Account `mapstructure:"accounts" yaml:"accounts"`
}

// Snapshot 是某一时刻的账户集合。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Accounts map[string]Account
}

// ChangeListener 在 registry 重载时触发。
type ChangeListener func(Snapshot)

// Registry 读取 accounts 配置并监听热更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// registrySchema 校验配置文件结构：每个账户至少要能定位 diary 工件。
const registrySchema = `{
  "type": "object",
  "properties": {
    "accounts": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "key": {"type": "string"},
          "name": {"type": "string"},
          "diary": {"type": "string"},
          "process_log": {"type": "string"},
          "snapshot": {"type": "string"},
          "assets": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  },
  "required": ["accounts"]
}`

var compiledSchema = jsonschema.MustCompileString("accounts.json", registrySchema)

// NewRegistry 读取配置文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("accounts registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read accounts config failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("accounts reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前账户集合。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Account 返回指定 key 的账户。
func (r *Registry) Account(key string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.snapshot.Accounts[strings.TrimSpace(key)]
	return acct, ok
}

// Keys 返回排序后的账户 key 列表。
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Accounts))
	for key := range r.snapshot.Accounts {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) reload() error {
	cfg, err := readAccountsFile(r.path)
	if err != nil {
		return err
	}
	accounts := make(map[string]Account, len(cfg.Accounts))
	for key, acct := range cfg.Accounts {
		norm := normalizeAccount(key, acct)
		accounts[norm.Key] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Accounts: accounts,
	}
	r.mu.Unlock()
	logger.Infof("Accounts registry loaded %d account(s) from %s", len(accounts), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("accounts listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeAccount(key string, acct Account) Account {
	acct.Key = strings.TrimSpace(acct.Key)
	if acct.Key == "" {
		acct.Key = strings.TrimSpace(key)
	}
	if acct.Name == "" {
		acct.Name = acct.Key
	}
	for i, asset := range acct.Assets {
		acct.Assets[i] = strings.ToUpper(strings.TrimSpace(asset))
	}
	return acct
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Accounts: make(map[string]Account, len(src.Accounts)),
	}
	for key, acct := range src.Accounts {
		dst.Accounts[key] = acct
	}
	return dst
}

func readAccountsFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read accounts config failed: %w", err)
	}
	if err := validateSchema(raw); err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse accounts config failed: %w", err)
	}
	return cfg, nil
}

// validateSchema 先把 YAML 转成通用结构再跑 JSON Schema 校验，
// 这样配置错误在启动时就报出来而不是在第一次 reconcile 时才炸。
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse accounts config failed: %w", err)
	}
	doc = normalizeYAML(doc)
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("accounts config schema violation: %w", err)
	}
	return nil
}

// normalizeYAML 把 yaml.v3 解出的 map[string]any 树转为 jsonschema 认识的形态。
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalizeYAML(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeYAML(child)
		}
		return out
	case int:
		return json.Number(fmt.Sprintf("%d", val))
	default:
		return val
	}
}
