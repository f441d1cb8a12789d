package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LevelTier 半开区间 [Min, Max)，Max 为 0 表示无上限（只允许最后一档）
type LevelTier struct {
	Name string `mapstructure:"name" json:"name"`
	Min  int    `mapstructure:"min" json:"min"`
	Max  int    `mapstructure:"max" json:"max,omitempty"`
}

func (t LevelTier) Unbounded() bool { return t.Max == 0 }

type PointRules struct {
	DailyLoginBonus   int `mapstructure:"daily_login_bonus"`
	StreakBonusPerDay int `mapstructure:"streak_bonus_per_day"`
	WeeklyStreakBonus int `mapstructure:"weekly_streak_bonus"`
}

// 徽章规则类型
const (
	RuleProjectStars  = "project_stars"  // 任一项目星标数 >= Threshold
	RuleProjectCount  = "project_count"  // 项目数 >= Threshold
	RuleStreak        = "streak"         // 历史最长连续登录 >= Threshold
	RuleLoginDays     = "login_days"     // 累计登录天数 >= Threshold
	RuleFollowers     = "followers"      // 关注者数 >= Threshold
	RuleLinkedProfile = "linked_profile" // 绑定外部开发者主页
	RuleManual        = "manual"         // 只能由管理员授予
)

type BadgeRule struct {
	Kind      string `mapstructure:"kind" json:"kind"`
	Threshold int    `mapstructure:"threshold" json:"threshold,omitempty"`
}

type BadgeDef struct {
	ID     string    `mapstructure:"id" json:"id"`
	Name   string    `mapstructure:"name" json:"name"`
	Points int       `mapstructure:"points" json:"points"`
	Rule   BadgeRule `mapstructure:"rule" json:"rule"`
}

// Catalog 等级表、积分常量与徽章目录，运行期只读
type Catalog struct {
	// UTCOffsetMinutes 判定“今天”所用的固定时区
	UTCOffsetMinutes int         `mapstructure:"utc_offset_minutes"`
	Levels           []LevelTier `mapstructure:"levels"`
	Points           PointRules  `mapstructure:"points"`
	Badges           []BadgeDef  `mapstructure:"badges"`

	byID map[string]BadgeDef
}

func (c *Catalog) Location() *time.Location {
	return time.FixedZone("REF", c.UTCOffsetMinutes*60)
}

func (c *Catalog) Badge(id string) (BadgeDef, bool) {
	if c.byID == nil {
		for _, b := range c.Badges {
			if b.ID == id {
				return b, true
			}
		}
		return BadgeDef{}, false
	}
	b, ok := c.byID[id]
	return b, ok
}

func (c *Catalog) index() {
	c.byID = make(map[string]BadgeDef, len(c.Badges))
	for _, b := range c.Badges {
		c.byID[b.ID] = b
	}
}

// DefaultCatalog 内置目录，参考时区为 UTC+05:30
func DefaultCatalog() *Catalog {
	c := &Catalog{
		UTCOffsetMinutes: 330,
		Levels: []LevelTier{
			{Name: "Newcomer", Min: 0, Max: 100},
			{Name: "Contributor", Min: 100, Max: 300},
			{Name: "Builder", Min: 300, Max: 700},
			{Name: "Expert", Min: 700, Max: 1500},
			{Name: "Master", Min: 1500, Max: 3000},
			{Name: "Legend", Min: 3000},
		},
		Points: PointRules{
			DailyLoginBonus:   10,
			StreakBonusPerDay: 5,
			WeeklyStreakBonus: 50,
		},
		Badges: []BadgeDef{
			{ID: "first_login", Name: "First Steps", Points: 10, Rule: BadgeRule{Kind: RuleLoginDays, Threshold: 1}},
			{ID: "regular", Name: "Regular", Points: 30, Rule: BadgeRule{Kind: RuleLoginDays, Threshold: 30}},
			{ID: "streak_7", Name: "Week Warrior", Points: 50, Rule: BadgeRule{Kind: RuleStreak, Threshold: 7}},
			{ID: "streak_30", Name: "Unstoppable", Points: 200, Rule: BadgeRule{Kind: RuleStreak, Threshold: 30}},
			{ID: "project_starter", Name: "Project Starter", Points: 25, Rule: BadgeRule{Kind: RuleProjectCount, Threshold: 1}},
			{ID: "rising_star", Name: "Rising Star", Points: 50, Rule: BadgeRule{Kind: RuleProjectStars, Threshold: 20}},
			{ID: "linked_profile", Name: "Connected", Points: 20, Rule: BadgeRule{Kind: RuleLinkedProfile}},
			{ID: "community_favorite", Name: "Community Favorite", Points: 40, Rule: BadgeRule{Kind: RuleFollowers, Threshold: 10}},
			{ID: "mentor", Name: "Mentor", Points: 100, Rule: BadgeRule{Kind: RuleManual}},
		},
	}
	c.index()
	return c
}

// LoadCatalog path 为空时返回内置目录；文件中出现的顶层键整体覆盖默认值
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path == "" {
		return c, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var file Catalog
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("unmarshal catalog %s: %w", path, err)
	}
	if v.IsSet("utc_offset_minutes") {
		c.UTCOffsetMinutes = file.UTCOffsetMinutes
	}
	if v.IsSet("levels") {
		c.Levels = file.Levels
	}
	if v.IsSet("points") {
		c.Points = file.Points
	}
	if v.IsSet("badges") {
		c.Badges = file.Badges
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return c, nil
}

// Validate 等级表必须从 0 开始、首尾相接、最后一档无上限
func (c *Catalog) Validate() error {
	if len(c.Levels) == 0 {
		return errors.New("catalog: no levels")
	}
	if c.Levels[0].Min != 0 {
		return fmt.Errorf("catalog: first level %q must start at 0", c.Levels[0].Name)
	}
	for i, t := range c.Levels {
		last := i == len(c.Levels)-1
		if last {
			if !t.Unbounded() {
				return fmt.Errorf("catalog: last level %q must be unbounded", t.Name)
			}
			break
		}
		if t.Unbounded() || t.Max <= t.Min {
			return fmt.Errorf("catalog: level %q has invalid range [%d, %d)", t.Name, t.Min, t.Max)
		}
		if c.Levels[i+1].Min != t.Max {
			return fmt.Errorf("catalog: gap between %q and %q", t.Name, c.Levels[i+1].Name)
		}
	}
	seen := make(map[string]bool, len(c.Badges))
	for _, b := range c.Badges {
		if b.ID == "" {
			return errors.New("catalog: badge without id")
		}
		if seen[b.ID] {
			return fmt.Errorf("catalog: duplicate badge %q", b.ID)
		}
		seen[b.ID] = true
		if b.Points < 0 {
			return fmt.Errorf("catalog: badge %q has negative points", b.ID)
		}
		switch b.Rule.Kind {
		case RuleProjectStars, RuleProjectCount, RuleStreak, RuleLoginDays, RuleFollowers, RuleLinkedProfile, RuleManual:
		default:
			return fmt.Errorf("catalog: badge %q has unknown rule %q", b.ID, b.Rule.Kind)
		}
	}
	return nil
}
