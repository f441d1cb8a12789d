package models

import (
	"time"
)

// Project 项目展示，徽章规则只读取 Stars
type Project struct {
	ID        string    `gorm:"primaryKey;size:64" bson:"_id" json:"id"`
	OwnerUID  string    `gorm:"size:128;not null;index" bson:"owner_uid" json:"owner_uid"`
	Title     string    `gorm:"not null" bson:"title" json:"title"`
	URL       string    `bson:"url" json:"url"`
	Stars     int       `gorm:"default:0" bson:"stars" json:"stars"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }
