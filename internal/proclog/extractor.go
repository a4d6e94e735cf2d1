// Package proclog extracts typed entries from the agent's free-text process log.
package proclog

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"rez/internal/types"
)

const (
	reasoningMarker = "LLM reasoning summary:"
	rationaleMarker = "Decision rationale for "
)

// 进程日志行形如 "[2024-05-01T10:00:00+00:00] message"。
var timestampedLine = regexp.MustCompile(`^\[([^\]]+)\]\s?(.*)$`)

// ReasoningEntry 是一段完整的模型推理摘要（可能跨多行）。
type ReasoningEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// RationaleEntry 是单资产的决策理由。
type RationaleEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Asset     string    `json:"asset"`
	Text      string    `json:"text"`
}

// Extract 是一次进程日志扫描的结果。
type Extract struct {
	Reasoning  []ReasoningEntry
	Rationales []RationaleEntry
}

// Extractor 按账户定位并扫描进程日志。
type Extractor struct {
	dataDir    string
	sharedPath string

	mu        sync.RWMutex
	overrides map[string]string
}

// NewExtractor 构造 extractor；dataDir 存放 <account>.log，sharedPath 为共享日志。
func NewExtractor(dataDir, sharedPath string) *Extractor {
	return &Extractor{dataDir: dataDir, sharedPath: sharedPath, overrides: make(map[string]string)}
}

// SetOverride 为某账户指定显式进程日志路径；空 path 清除覆盖。
func (e *Extractor) SetOverride(account, path string) {
	account = strings.TrimSpace(account)
	if account == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if strings.TrimSpace(path) == "" {
		delete(e.overrides, account)
		return
	}
	e.overrides[account] = path
}

// Path 返回给定账户实际会被读取的进程日志路径。
func (e *Extractor) Path(account string) string {
	account = strings.TrimSpace(account)
	e.mu.RLock()
	override := e.overrides[account]
	e.mu.RUnlock()
	if override != "" {
		return override
	}
	if account != "" && e.dataDir != "" && !strings.ContainsAny(account, `/\`) && !strings.Contains(account, "..") {
		p := filepath.Join(e.dataDir, account+".log")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return e.sharedPath
}

// Extract 扫描账户进程日志并返回推理摘要与决策理由两类条目。
// 文件缺失返回空结果；无法解析时间戳的标记行被静默跳过。
func (e *Extractor) Extract(account string) (Extract, error) {
	path := e.Path(account)
	if strings.TrimSpace(path) == "" {
		return Extract{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Extract{}, nil
		}
		return Extract{}, err
	}
	defer f.Close()
	return Scan(f), nil
}

// Scan 解析进程日志流。推理块从标记行开始，吞并后续所有非时间戳行
// （块内允许内嵌换行），直到下一条时间戳行或 EOF 为止。
func Scan(src io.Reader) Extract {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out Extract
	var block *ReasoningEntry
	flush := func() {
		if block == nil {
			return
		}
		block.Text = strings.TrimSpace(block.Text)
		if block.Text != "" {
			out.Reasoning = append(out.Reasoning, *block)
		}
		block = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		m := timestampedLine.FindStringSubmatch(line)
		if m == nil {
			// Continuation of a multi-line reasoning block.
			if block != nil {
				block.Text += "\n" + line
			}
			continue
		}
		flush()
		ts, ok := parseTimestamp(m[1])
		if !ok {
			continue
		}
		msg := m[2]
		if idx := strings.Index(msg, reasoningMarker); idx >= 0 {
			block = &ReasoningEntry{
				Timestamp: ts,
				Text:      strings.TrimSpace(msg[idx+len(reasoningMarker):]),
			}
			continue
		}
		if asset, text, ok := parseRationale(msg); ok {
			out.Rationales = append(out.Rationales, RationaleEntry{
				Timestamp: ts,
				Asset:     asset,
				Text:      text,
			})
		}
	}
	flush()
	return out
}

func parseRationale(msg string) (asset, text string, ok bool) {
	idx := strings.Index(msg, rationaleMarker)
	if idx < 0 {
		return "", "", false
	}
	rest := msg[idx+len(rationaleMarker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", "", false
	}
	asset = strings.ToUpper(strings.TrimSpace(rest[:colon]))
	if asset == "" {
		return "", "", false
	}
	return asset, strings.TrimSpace(rest[colon+1:]), true
}

var logTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range logTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FeedEntries 将推理条目转换为信息流形态（kind=reasoning）。
func (x Extract) FeedEntries() []types.FeedEntry {
	entries := make([]types.FeedEntry, 0, len(x.Reasoning)+len(x.Rationales))
	for _, r := range x.Reasoning {
		entries = append(entries, types.FeedEntry{
			Kind:      types.FeedReasoning,
			Timestamp: r.Timestamp,
			Text:      r.Text,
		})
	}
	for _, r := range x.Rationales {
		entries = append(entries, types.FeedEntry{
			Kind:      types.FeedDecision,
			Timestamp: r.Timestamp,
			Asset:     r.Asset,
			Text:      r.Text,
		})
	}
	return entries
}
