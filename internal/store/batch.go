package store

import (
	"fmt"

	"devpath/internal/models"
)

// MaxBatchMutations 单次原子批量提交的写入上限
const MaxBatchMutations = 500

type OpKind int

const (
	OpReplaceReputation OpKind = iota + 1
	OpSetLeaderboardPoints
	OpPutBadgeAward
	OpDeleteBadgeAward
	OpPutInboxItem
	OpAddToSet
	OpRemoveFromSet
	OpDeleteAccount
	OpDeleteLeaderboardEntry
)

func (k OpKind) String() string {
	switch k {
	case OpReplaceReputation:
		return "replace_reputation"
	case OpSetLeaderboardPoints:
		return "set_leaderboard_points"
	case OpPutBadgeAward:
		return "put_badge_award"
	case OpDeleteBadgeAward:
		return "delete_badge_award"
	case OpPutInboxItem:
		return "put_inbox_item"
	case OpAddToSet:
		return "add_to_set"
	case OpRemoveFromSet:
		return "remove_from_set"
	case OpDeleteAccount:
		return "delete_account"
	case OpDeleteLeaderboardEntry:
		return "delete_leaderboard_entry"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// SetField 允许在批量中做集合运算的账号字段
type SetField string

const (
	FieldFollowers SetField = "followers"
	FieldFollowing SetField = "following"
)

type Mutation struct {
	Kind         OpKind
	UID          string
	Points       int
	Achievements []string
	BadgeID      string
	Award        *models.BadgeAward
	Inbox        *models.InboxItem
	Leaderboard  LeaderboardPatch
	Field        SetField
	Value        string
}

// Batch 一组需要一起提交的写入
type Batch struct {
	muts []Mutation
}

func NewBatch() *Batch {
	return &Batch{}
}

// ReplaceReputation 覆盖 points 与 achievements（全量重算使用）
func (b *Batch) ReplaceReputation(uid string, points int, achievements []string) *Batch {
	ach := append([]string{}, achievements...)
	b.muts = append(b.muts, Mutation{Kind: OpReplaceReputation, UID: uid, Points: points, Achievements: ach})
	return b
}

// SetLeaderboardPoints 合并写入排行榜 points，不存在则创建
func (b *Batch) SetLeaderboardPoints(uid string, points int, patch LeaderboardPatch) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpSetLeaderboardPoints, UID: uid, Points: points, Leaderboard: patch})
	return b
}

func (b *Batch) PutBadgeAward(a *models.BadgeAward) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpPutBadgeAward, UID: a.UID, BadgeID: a.BadgeID, Award: a})
	return b
}

func (b *Batch) DeleteBadgeAward(uid, badgeID string) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpDeleteBadgeAward, UID: uid, BadgeID: badgeID})
	return b
}

// PutInboxItem 以 item.ID 为键 upsert
func (b *Batch) PutInboxItem(item *models.InboxItem) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpPutInboxItem, UID: item.UID, Inbox: item})
	return b
}

func (b *Batch) AddToSet(uid string, field SetField, value string) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpAddToSet, UID: uid, Field: field, Value: value})
	return b
}

func (b *Batch) RemoveFromSet(uid string, field SetField, value string) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpRemoveFromSet, UID: uid, Field: field, Value: value})
	return b
}

// DeleteAccount 删除账号以及其 BadgeAward 与收件箱
func (b *Batch) DeleteAccount(uid string) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpDeleteAccount, UID: uid})
	return b
}

func (b *Batch) DeleteLeaderboardEntry(uid string) *Batch {
	b.muts = append(b.muts, Mutation{Kind: OpDeleteLeaderboardEntry, UID: uid})
	return b
}

// Append 追加一条已构造的写入
func (b *Batch) Append(m Mutation) *Batch {
	b.muts = append(b.muts, m)
	return b
}

func (b *Batch) Len() int {
	return len(b.muts)
}

func (b *Batch) Mutations() []Mutation {
	return b.muts
}

// Validate 检查批量大小和字段合法性，后端在提交前调用
func (b *Batch) Validate() error {
	if len(b.muts) > MaxBatchMutations {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(b.muts), MaxBatchMutations)
	}
	for i, m := range b.muts {
		if m.UID == "" {
			return fmt.Errorf("store: mutation %d (%s) has empty uid", i, m.Kind)
		}
		switch m.Kind {
		case OpAddToSet, OpRemoveFromSet:
			if m.Field != FieldFollowers && m.Field != FieldFollowing {
				return fmt.Errorf("store: mutation %d: field %q not allowed", i, m.Field)
			}
		case OpPutBadgeAward:
			if m.Award == nil {
				return fmt.Errorf("store: mutation %d: nil award", i)
			}
		case OpPutInboxItem:
			if m.Inbox == nil || m.Inbox.ID == "" {
				return fmt.Errorf("store: mutation %d: inbox item without id", i)
			}
		}
	}
	return nil
}
