package models

import (
	"time"
)

type TargetKind string

const (
	TargetAll           TargetKind = "all"
	TargetElevated      TargetKind = "elevated"
	TargetOrdinary      TargetKind = "ordinary"
	TargetLinkedProfile TargetKind = "linked_profile" // 绑定了外部开发者主页的用户
	TargetIndividual    TargetKind = "individual"
)

type TargetSpec struct {
	Kind  TargetKind `gorm:"size:20;not null" bson:"kind" json:"kind"`
	Value string     `gorm:"size:128" bson:"value,omitempty" json:"value,omitempty"` // 仅 individual 使用
}

// NotificationCampaign 一次群发的不可变记录
type NotificationCampaign struct {
	ID             string     `gorm:"primaryKey;size:64" bson:"_id" json:"id"`
	Title          string     `gorm:"not null" bson:"title" json:"title"`
	Message        string     `gorm:"type:text;not null" bson:"message" json:"message"`
	ImageURL       string     `bson:"image_url,omitempty" json:"image_url,omitempty"`
	Target         TargetSpec `gorm:"embedded;embeddedPrefix:target_" bson:"target" json:"target"`
	RecipientCount int        `gorm:"not null" bson:"recipient_count" json:"recipient_count"`
	CreatedBy      string     `gorm:"size:128" bson:"created_by" json:"created_by"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
}

func (NotificationCampaign) TableName() string { return "notification_campaigns" }

// InboxItem 每个 (campaign, recipient) 一条，只有 Read 会被修改
type InboxItem struct {
	ID          string    `gorm:"primaryKey;size:200" bson:"_id" json:"id"`
	UID         string    `gorm:"size:128;not null;index:idx_inbox_uid_created" bson:"uid" json:"uid"`
	CampaignID  string    `gorm:"size:64;not null;index" bson:"campaign_id" json:"campaign_id"`
	Title       string    `gorm:"not null" bson:"title" json:"title"`
	Message     string    `gorm:"type:text" bson:"message" json:"message"`
	MessageHTML string    `gorm:"type:text" bson:"message_html" json:"message_html"`
	ImageURL    string    `bson:"image_url,omitempty" json:"image_url,omitempty"`
	Read        bool      `gorm:"default:false;index" bson:"read" json:"read"`
	CreatedAt   time.Time `gorm:"index:idx_inbox_uid_created" bson:"created_at" json:"created_at"`
}

func (InboxItem) TableName() string { return "inbox_items" }

// InboxItemID 由 campaign 与收件人决定，重复提交同一批次不会产生重复条目
func InboxItemID(campaignID, uid string) string {
	return campaignID + ":" + uid
}
