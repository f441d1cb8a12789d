package models

import "time"

// BadgeAward (uid, badge_id) 唯一
type BadgeAward struct {
	ID         string    `gorm:"primaryKey;size:300" bson:"_id" json:"id"`
	UID        string    `gorm:"size:128;not null;uniqueIndex:idx_award_uid_badge" bson:"uid" json:"uid"`
	BadgeID    string    `gorm:"size:100;not null;uniqueIndex:idx_award_uid_badge" bson:"badge_id" json:"badge_id"`
	PointValue int       `gorm:"not null" bson:"point_value" json:"point_value"`
	AwardedBy  string    `gorm:"size:128" bson:"awarded_by" json:"awarded_by"`
	AwardedAt  time.Time `bson:"awarded_at" json:"awarded_at"`
}

func (BadgeAward) TableName() string { return "badge_awards" }

func BadgeAwardID(uid, badgeID string) string {
	return uid + ":" + badgeID
}

func NewBadgeAward(uid, badgeID string, points int, by string, at time.Time) *BadgeAward {
	return &BadgeAward{
		ID:         BadgeAwardID(uid, badgeID),
		UID:        uid,
		BadgeID:    badgeID,
		PointValue: points,
		AwardedBy:  by,
		AwardedAt:  at,
	}
}
