package services

import (
	"sort"

	"devpath/internal/config"
	"devpath/internal/models"
)

// Reputation 由账号属性与项目推导出的积分与徽章
type Reputation struct {
	Points       int      `json:"points"`
	Achievements []string `json:"achievements"`
}

// Reconcile 从头计算账号应有的 {points, achievements}，纯函数。
// 登录积分按账本规则重放 loginDates；徽章取规则满足的目录徽章，
// manual 徽章只在已持有时保留；目录中不存在的徽章被丢弃
func Reconcile(catalog *config.Catalog, acc *models.Account, projects []*models.Project) Reputation {
	points, _ := ReplayLoginPoints(catalog.Points, acc.LoginDates)

	earned := make(map[string]struct{})
	for _, id := range EligibleBadges(catalog, acc, projects) {
		earned[id] = struct{}{}
	}
	for _, id := range acc.Achievements {
		if def, ok := catalog.Badge(id); ok && def.Rule.Kind == config.RuleManual {
			earned[id] = struct{}{}
		}
	}

	achievements := make([]string, 0, len(earned))
	for id := range earned {
		def, _ := catalog.Badge(id)
		points += def.Points
		achievements = append(achievements, id)
	}
	sort.Strings(achievements)
	return Reputation{Points: points, Achievements: achievements}
}
