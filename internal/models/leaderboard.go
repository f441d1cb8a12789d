package models

import "time"

// LeaderboardEntry Account.Points 的冗余投影，只允许合并写入
type LeaderboardEntry struct {
	UID         string    `gorm:"primaryKey;size:128" bson:"_id" json:"uid"`
	Points      int       `gorm:"default:0;not null;index" bson:"points" json:"points"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	PhotoURL    string    `bson:"photo_url" json:"photo_url"`
	LastActive  string    `gorm:"size:10" bson:"last_active" json:"last_active"` // 2006-01-02
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

func (LeaderboardEntry) TableName() string { return "leaderboard" }
