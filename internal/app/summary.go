package app

import (
	"fmt"
	"strings"

	"rez/internal/logger"
)

// StartupSummary 汇总启动时的关键配置，打印一次便于排障。
type StartupSummary struct {
	Listen     string
	DataDir    string
	Accounts   []string
	DiaryLimit int
	Archiving  bool
}

func (s *StartupSummary) Print() {
	if s == nil {
		return
	}
	accounts := "-"
	if len(s.Accounts) > 0 {
		accounts = strings.Join(s.Accounts, ", ")
	}
	lines := []string{
		fmt.Sprintf("监听地址：%s", s.Listen),
		fmt.Sprintf("- 数据目录：%s", s.DataDir),
		fmt.Sprintf("- 账户：%s", accounts),
		fmt.Sprintf("- diary 读取上限：%d", s.DiaryLimit),
		fmt.Sprintf("- 回合归档：%v", s.Archiving),
	}
	logger.Infof("[startup]\n%s", strings.Join(lines, "\n"))
}
