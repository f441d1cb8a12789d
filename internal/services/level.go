package services

import (
	"math"

	"devpath/internal/config"
)

// Level classify 的结果
type Level struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Min      int    `json:"min"`
	Max      int    `json:"max,omitempty"` // 0 表示最高档
	Progress int    `json:"progress"`      // 当前档内进度百分比
}

// Classifier 纯函数分档，等级表须通过 Catalog.Validate
type Classifier struct {
	tiers []config.LevelTier
}

func NewClassifier(tiers []config.LevelTier) *Classifier {
	return &Classifier{tiers: tiers}
}

// Classify points<0 按 0 处理
func (c *Classifier) Classify(points int) Level {
	if points < 0 {
		points = 0
	}
	idx := len(c.tiers) - 1
	for i, t := range c.tiers {
		if points >= t.Min && (t.Unbounded() || points < t.Max) {
			idx = i
			break
		}
	}
	t := c.tiers[idx]
	return Level{
		Index:    idx,
		Name:     t.Name,
		Min:      t.Min,
		Max:      t.Max,
		Progress: progress(points, t),
	}
}

func progress(points int, t config.LevelTier) int {
	if t.Unbounded() {
		return 0
	}
	p := int(math.Round(100 * float64(points-t.Min) / float64(t.Max-t.Min)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
