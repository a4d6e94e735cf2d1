// Package diary reads the trading agent's append-only decision diary.
package diary

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rez/internal/logger"
	"rez/internal/types"

	"github.com/tidwall/gjson"
)

const maxLineSize = 1024 * 1024

// timeLayouts 覆盖 agent 写出的几种 isoformat 变体（带/不带时区、纳秒）。
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// Reader 按账户读取决策日记 JSONL 工件。
// 账户工件缺失时回退到共享 diary 文件；两者都缺失时返回空结果而非错误。
type Reader struct {
	dataDir    string
	sharedPath string

	mu        sync.RWMutex
	overrides map[string]string
}

// NewReader 构造 diary reader。dataDir 存放 <account>.jsonl，
// sharedPath 是单账户部署时 agent 写出的共享 diary 文件。
func NewReader(dataDir, sharedPath string) *Reader {
	return &Reader{dataDir: dataDir, sharedPath: sharedPath, overrides: make(map[string]string)}
}

// SetOverride 为某账户指定显式 diary 路径（来自 accounts 配置，可热更新）。
// path 为空表示清除覆盖，恢复按约定寻址。
func (r *Reader) SetOverride(account, path string) {
	account = sanitizeAccount(account)
	if account == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(path) == "" {
		delete(r.overrides, account)
		return
	}
	r.overrides[account] = path
}

// Path 返回给定账户实际会被读取的 diary 路径（可能不存在）。
func (r *Reader) Path(account string) string {
	account = sanitizeAccount(account)
	r.mu.RLock()
	override := r.overrides[account]
	r.mu.RUnlock()
	if override != "" {
		return override
	}
	if account != "" && r.dataDir != "" {
		p := filepath.Join(r.dataDir, account+".jsonl")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return r.sharedPath
}

// Read 返回账户 diary 中按写入顺序排列的记录，最多 limit 条（取尾部）。
// 单条损坏行会被跳过并计数，绝不会中断整个读取；文件缺失返回空列表。
// 返回值第二项是被跳过的行数。
func (r *Reader) Read(account string, limit int) ([]types.DiaryRecord, int, error) {
	path := r.Path(account)
	if strings.TrimSpace(path) == "" {
		return nil, 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	records, skipped := parseAll(f)
	if skipped > 0 {
		logger.Warnf("[diary] skipped %d malformed line(s) account=%s path=%s", skipped, account, path)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, skipped, nil
}

// parseAll consumes complete lines only: the agent may be appending while we
// read, so a trailing fragment without a newline is left for the next poll.
func parseAll(src io.Reader) ([]types.DiaryRecord, int) {
	reader := bufio.NewReaderSize(src, 64*1024)
	var (
		records []types.DiaryRecord
		skipped int
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// err == io.EOF: line holds a partial record still being written.
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxLineSize {
			skipped++
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

type rawRecord struct {
	Timestamp     string      `json:"timestamp"`
	Asset         string      `json:"asset"`
	Action        string      `json:"action"`
	Rationale     string      `json:"rationale"`
	AllocationUSD json.Number `json:"allocation_usd"`
	Amount        json.Number `json:"amount"`
	EntryPrice    json.Number `json:"entry_price"`
	TakeProfit    json.Number `json:"tp_price"`
	StopLoss      json.Number `json:"sl_price"`
	ExitPlan      string      `json:"exit_plan"`
	OrderResult   string      `json:"order_result"`
	Reason        string      `json:"reason"`
	OpenedAt      string      `json:"opened_at"`
	Filled        bool        `json:"filled"`
}

func parseLine(line string) (types.DiaryRecord, bool) {
	var raw rawRecord
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return types.DiaryRecord{}, false
	}
	ts, ok := parseTimestamp(raw.Timestamp)
	if !ok {
		return types.DiaryRecord{}, false
	}
	action := types.DiaryAction(strings.ToLower(strings.TrimSpace(raw.Action)))
	switch action {
	case types.ActionHold, types.ActionOpenLong, types.ActionOpenShort, types.ActionReconcileClose:
	default:
		return types.DiaryRecord{}, false
	}
	return types.DiaryRecord{
		Timestamp:     ts,
		Asset:         strings.ToUpper(strings.TrimSpace(raw.Asset)),
		Action:        action,
		Rationale:     raw.Rationale,
		AllocationUSD: numberToFloat(raw.AllocationUSD),
		Amount:        numberToFloat(raw.Amount),
		EntryPrice:    numberToFloat(raw.EntryPrice),
		TakeProfit:    numberToFloat(raw.TakeProfit),
		StopLoss:      numberToFloat(raw.StopLoss),
		ExitPlan:      raw.ExitPlan,
		OrderResult:   raw.OrderResult,
		Reason:        raw.Reason,
		OpenedAt:      strings.TrimSpace(raw.OpenedAt),
		Filled:        raw.Filled,
	}, true
}

func numberToFloat(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Executed 判断一条开仓记录是否真实成交：order_result 必须表明成交且不含错误。
// broker 回包可能是规范 JSON，也可能是 Python repr 文本，两种都要容忍。
func Executed(rec types.DiaryRecord) bool {
	if !rec.Action.IsOpen() {
		return false
	}
	raw := strings.TrimSpace(rec.OrderResult)
	if raw == "" {
		return rec.Filled
	}
	if gjson.Valid(raw) {
		parsed := gjson.Parse(raw)
		if status := parsed.Get("status").String(); status != "" && !strings.EqualFold(status, "ok") {
			return false
		}
		statuses := parsed.Get("response.data.statuses")
		if statuses.Exists() {
			filled, failed := false, false
			statuses.ForEach(func(_, st gjson.Result) bool {
				if st.Get("filled").Exists() {
					filled = true
				}
				if st.Get("error").Exists() {
					failed = true
				}
				return true
			})
			return filled && !failed
		}
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "error") || strings.Contains(lower, "err:") {
		return false
	}
	return strings.Contains(lower, "filled") || rec.Filled
}

func sanitizeAccount(account string) string {
	account = strings.TrimSpace(account)
	if account == "" {
		return ""
	}
	// Account keys are opaque; refuse anything that smells like a path.
	if strings.ContainsAny(account, `/\`) || strings.Contains(account, "..") {
		return ""
	}
	return account
}
