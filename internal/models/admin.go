package models

import "time"

const AdminKeyDocID = "current"

// AdminKey 当前有效的管理员密钥（只存 bcrypt 哈希）
type AdminKey struct {
	ID        string    `gorm:"primaryKey;size:32" bson:"_id" json:"id"`
	Hash      string    `gorm:"not null" bson:"hash" json:"-"`
	RotatedBy string    `gorm:"size:128" bson:"rotated_by" json:"rotated_by"`
	RotatedAt time.Time `bson:"rotated_at" json:"rotated_at"`
}

func (AdminKey) TableName() string { return "admin_config" }

type AuditEntry struct {
	ID         string    `gorm:"primaryKey;size:64" bson:"_id" json:"id"`
	Action     string    `gorm:"size:64;not null;index" bson:"action" json:"action"`
	ActorUID   string    `gorm:"size:128;index" bson:"actor_uid" json:"actor_uid"`
	ActorEmail string    `bson:"actor_email" json:"actor_email"`
	Detail     string    `gorm:"type:text" bson:"detail" json:"detail"`
	CreatedAt  time.Time `gorm:"index" bson:"created_at" json:"created_at"`
}

func (AuditEntry) TableName() string { return "security_audit" }
