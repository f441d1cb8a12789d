package models

import (
	"slices"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type Role string

const (
	RoleOrdinary Role = "ordinary"
	RoleElevated Role = "elevated"
)

// Privacy 用户隐私开关
type Privacy struct {
	HideEmail       bool `gorm:"default:false" bson:"hide_email" json:"hide_email"`
	HideActivity    bool `gorm:"default:false" bson:"hide_activity" json:"hide_activity"`
	HideLeaderboard bool `gorm:"default:false" bson:"hide_leaderboard" json:"hide_leaderboard"`
}

// Account 一个注册用户的持久化记录，Points 是积分的唯一权威值
type Account struct {
	UID            string            `gorm:"primaryKey;size:128" bson:"_id" json:"uid"`
	Role           Role              `gorm:"size:20;default:'ordinary';not null" bson:"role" json:"role"`
	Email          string            `gorm:"index;not null" bson:"email" json:"email"`
	DisplayName    string            `bson:"display_name" json:"display_name"`
	PhotoURL       string            `bson:"photo_url" json:"photo_url"`
	GitHubUsername string            `gorm:"column:github_username;index" bson:"github_username" json:"github_username,omitempty"` // 外部开发者主页
	Points         int               `gorm:"default:0;not null" bson:"points" json:"points"`
	Streak         int               `gorm:"default:0;not null" bson:"streak" json:"streak"`
	LoginDates     pq.StringArray    `gorm:"type:text[];not null;default:'{}'" bson:"login_dates" json:"login_dates"`
	Achievements   pq.StringArray    `gorm:"type:text[];not null;default:'{}'" bson:"achievements" json:"achievements"`
	Followers      pq.StringArray    `gorm:"type:text[];not null;default:'{}'" bson:"followers" json:"followers"`
	Following      pq.StringArray    `gorm:"type:text[];not null;default:'{}'" bson:"following" json:"following"`
	SessionToken   string            `gorm:"size:128" bson:"session_token" json:"-"`
	Privacy        Privacy           `gorm:"embedded;embeddedPrefix:privacy_" bson:"privacy" json:"privacy"`
	Extra          datatypes.JSONMap `gorm:"type:jsonb" bson:"extra,omitempty" json:"extra,omitempty"` // 未建模的管理员元数据
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// Normalize 保证数组字段非 nil，集合运算符 ($addToSet / array_append) 要求字段已是数组
func (a *Account) Normalize() {
	if a.LoginDates == nil {
		a.LoginDates = pq.StringArray{}
	}
	if a.Achievements == nil {
		a.Achievements = pq.StringArray{}
	}
	if a.Followers == nil {
		a.Followers = pq.StringArray{}
	}
	if a.Following == nil {
		a.Following = pq.StringArray{}
	}
	if a.Role == "" {
		a.Role = RoleOrdinary
	}
}

func (a *Account) IsElevated() bool {
	return a.Role == RoleElevated
}

func (a *Account) HasAchievement(badgeID string) bool {
	return slices.Contains(a.Achievements, badgeID)
}

func (a *Account) HasLoginDay(day string) bool {
	return slices.Contains(a.LoginDates, day)
}

// Clone 深拷贝，内存存储与测试用
func (a *Account) Clone() *Account {
	c := *a
	c.LoginDates = slices.Clone(a.LoginDates)
	c.Achievements = slices.Clone(a.Achievements)
	c.Followers = slices.Clone(a.Followers)
	c.Following = slices.Clone(a.Following)
	if a.Extra != nil {
		c.Extra = make(datatypes.JSONMap, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	c.Normalize()
	return &c
}

// RoleGrant 角色注册表，以规范化邮箱为键
type RoleGrant struct {
	Email     string    `gorm:"primaryKey;size:255" bson:"_id" json:"email"`
	Role      Role      `gorm:"size:20;not null" bson:"role" json:"role"`
	GrantedBy string    `bson:"granted_by" json:"granted_by"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

func (RoleGrant) TableName() string { return "role_grants" }
