package reconhttp

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"rez/internal/accounts"
	"rez/internal/diary"
	"rez/internal/logger"
	"rez/internal/proclog"
	"rez/internal/recon"
	"rez/internal/store/statstore"
	"rez/internal/store/tradestore"
	"rez/internal/types"

	"github.com/gin-gonic/gin"
)

// Router 暴露对账查询接口。
type Router struct {
	Service  *recon.Service
	Registry *accounts.Registry
	Diary    *diary.Reader
	ProcLog  *proclog.Extractor
	Trades   *tradestore.TradeStore
	Stats    *statstore.StatsStore

	LogTailMaxLines int
}

// Register 将查询路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/accounts", r.handleAccounts)
	agent := group.Group("/agent/:account")
	agent.GET("/summary", r.handleSummary)
	agent.GET("/positions", r.handlePositions)
	agent.GET("/trades", r.handleTrades)
	agent.GET("/stats", r.handleStats)
	agent.GET("/feed", r.handleFeed)
	agent.GET("/diary", r.handleDiary)
	agent.GET("/logs", r.handleLogs)
}

func (r *Router) handleAccounts(c *gin.Context) {
	type accountView struct {
		Key    string   `json:"key"`
		Name   string   `json:"name"`
		Assets []string `json:"assets,omitempty"`
	}
	out := make([]accountView, 0)
	if r.Registry != nil {
		snap := r.Registry.Snapshot()
		for _, key := range r.Registry.Keys() {
			acct := snap.Accounts[key]
			out = append(out, accountView{Key: acct.Key, Name: acct.Name, Assets: acct.Assets})
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (r *Router) handleSummary(c *gin.Context) {
	bundle, ok := r.reconcile(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (r *Router) handlePositions(c *gin.Context) {
	bundle, ok := r.reconcile(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions":   bundle.Positions,
		"open_orders": bundle.OpenOrders,
	})
}

func (r *Router) handleTrades(c *gin.Context) {
	account := c.Param("account")
	limit := queryInt(c, "limit", 100)
	// archived=1 查归档库（滚动窗口之外的历史回合）
	if c.Query("archived") == "1" {
		if r.Trades == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade archive unavailable"})
			return
		}
		offset := queryInt(c, "offset", 0)
		trades, err := r.Trades.ListTrades(c.Request.Context(), account, c.Query("asset"), limit, offset)
		if err != nil {
			logger.Errorf("[api] archived trades failed account=%s err=%v", account, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades, "archived": true})
		return
	}

	bundle, ok := r.reconcile(c)
	if !ok {
		return
	}
	trades := bundle.CompletedTrades
	if asset := strings.ToUpper(strings.TrimSpace(c.Query("asset"))); asset != "" {
		filtered := trades[:0:0]
		for _, t := range trades {
			if t.Asset == asset {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (r *Router) handleStats(c *gin.Context) {
	if c.Query("history") == "1" {
		if r.Stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats history unavailable"})
			return
		}
		hist, err := r.Stats.History(c.Request.Context(), c.Param("account"), queryInt(c, "limit", 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": hist})
		return
	}

	bundle, ok := r.reconcile(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": bundle.Stats})
}

func (r *Router) handleFeed(c *gin.Context) {
	bundle, ok := r.reconcile(c)
	if !ok {
		return
	}
	feed := bundle.Feed
	if limit := queryInt(c, "limit", 0); limit > 0 && len(feed) > limit {
		feed = feed[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"feed": feed})
}

func (r *Router) handleDiary(c *gin.Context) {
	if r.Diary == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diary reader unavailable"})
		return
	}
	account := c.Param("account")
	records, skipped, err := r.Diary.Read(account, queryInt(c, "limit", 200))
	if err != nil {
		logger.Errorf("[api] diary read failed account=%s err=%v", account, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "skipped_lines": skipped})
}

func (r *Router) handleLogs(c *gin.Context) {
	if r.ProcLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "process log unavailable"})
		return
	}
	account := c.Param("account")
	path := r.ProcLog.Path(account)
	if strings.TrimSpace(path) == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no process log configured"})
		return
	}
	limit := queryInt(c, "limit", 200)
	if max := r.LogTailMaxLines; max > 0 && limit > max {
		limit = max
	}
	lines, err := readLastLines(path, limit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, gin.H{"path": path, "lines": []string{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "path": path})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "lines": lines})
}

// reconcile 执行一轮对账并统一处理错误映射。
func (r *Router) reconcile(c *gin.Context) (*types.ReconBundle, bool) {
	if r.Service == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recon service unavailable"})
		return nil, false
	}
	account := c.Param("account")
	b, err := r.Service.Reconcile(c.Request.Context(), account)
	if err != nil {
		if errors.Is(err, recon.ErrUnknownAccount) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return nil, false
		}
		logger.Errorf("[api] reconcile failed account=%s err=%v", account, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return b, true
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

const maxLogLineSize = 4 * 1024 * 1024 // 4MB per line for payload-heavy logs

func readLastLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLogLineSize)
	lines := make([]string, 0, limit)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
