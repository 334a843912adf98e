// Package domain defines the persistence models for shared groups, member
// transactions, the client-local transaction cache, sync bookkeeping and push
// subscriptions. These types are mapped with GORM and form the core data
// layer of the sync engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxGroupMembers caps the membership of a shared group.
	MaxGroupMembers = 10
	// MaxSharedGroups caps how many groups a single transaction can be tagged with.
	MaxSharedGroups = 5
)

// SharedGroup is a collection of users whose tagged transactions are visible
// to every member. Members carry the per-member change timestamps used by
// delta sync (the group's memberUpdates map).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OwnerID: user who created the group.
//   - Name / Color / Icon: presentation attributes.
//   - ShareCode / ShareCodeExpiresAt: optional invite code.
//   - Members: at most MaxGroupMembers rows in group_members.
type SharedGroup struct {
	ID                 string     `json:"id"                              gorm:"type:char(36);primaryKey"`
	OwnerID            string     `json:"owner_id"                        gorm:"type:varchar(64);not null;index"`
	Name               string     `json:"name"                            gorm:"type:varchar(255);not null"`
	Color              string     `json:"color,omitempty"                 gorm:"type:varchar(16)"`
	Icon               string     `json:"icon,omitempty"                  gorm:"type:varchar(64)"`
	ShareCode          string     `json:"share_code,omitempty"            gorm:"type:varchar(32);index"`
	ShareCodeExpiresAt *time.Time `json:"share_code_expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Members []GroupMember `json:"members" gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SharedGroup.
func (SharedGroup) TableName() string { return "shared_groups" }

// MemberIDs returns the user ids of all members in stored order.
func (g *SharedGroup) MemberIDs() []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.UserID)
	}
	return out
}

// MemberUpdates returns the memberUpdates map: user id to the unix-nano time
// of that member's last change affecting this group (0 when never changed).
func (g *SharedGroup) MemberUpdates() map[string]int64 {
	out := make(map[string]int64, len(g.Members))
	for _, m := range g.Members {
		out[m.UserID] = m.LastChangeAt
	}
	return out
}

// HasMember reports whether userID belongs to the group.
func (g *SharedGroup) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// GroupMember links a user to a shared group.
//
// LastChangeAt is a unix-nano timestamp bumped whenever one of the member's
// transactions tagged to the group is created, edited, untagged or deleted.
type GroupMember struct {
	GroupID      string    `json:"group_id"       gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"user_id"        gorm:"type:varchar(64);primaryKey;index"`
	LastChangeAt int64     `json:"last_change_at" gorm:"not null;default:0"`
	JoinedAt     time.Time `json:"joined_at"      gorm:"autoCreateTime"`
}

// TableName returns the database table name for GroupMember.
func (GroupMember) TableName() string { return "group_members" }

// Item is one line of a transaction (receipt line).
type Item struct {
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity int             `json:"quantity,omitempty"`
}

// Transaction is a purchase owned by a single user and stored in that user's
// partition. It is visible to a group iff the group id is in SharedGroupIDs
// and DeletedAt is unset.
//
// Soft deletion uses a plain nullable column (not gorm.DeletedAt) so deleted
// rows stay queryable as delta tombstones.
type Transaction struct {
	ID             string          `json:"id"                   gorm:"type:char(36);primaryKey"`
	OwnerID        string          `json:"owner_id"             gorm:"type:varchar(64);not null;index:idx_tx_owner_date,priority:1"`
	Date           time.Time       `json:"date"                 gorm:"not null;index:idx_tx_owner_date,priority:2"`
	Merchant       string          `json:"merchant"             gorm:"type:varchar(255);not null"`
	Total          decimal.Decimal `json:"total"                gorm:"type:TEXT;not null"`
	Currency       string          `json:"currency,omitempty"   gorm:"type:varchar(3)"`
	Items          []Item          `json:"items,omitempty"      gorm:"type:TEXT;serializer:json"`
	SharedGroupIDs []string        `json:"shared_group_ids"     gorm:"type:TEXT;serializer:json"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string { return "transactions" }

// InGroup reports whether the transaction is tagged with groupID.
func (t *Transaction) InGroup(groupID string) bool {
	for _, g := range t.SharedGroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}

// TransactionTag indexes a transaction under one of its groups so the store
// can answer "sharedGroupIds contains groupId" queries and report untags.
//
// ChangedAt is the unix-nano time of the last change to the tagged
// transaction as seen by this group; RemovedAt is set when the tag is
// removed and the row then acts as a tombstone.
type TransactionTag struct {
	TransactionID string `json:"transaction_id" gorm:"type:char(36);primaryKey"`
	GroupID       string `json:"group_id"       gorm:"type:char(36);primaryKey;index:idx_tag_group_owner,priority:1"`
	OwnerID       string `json:"owner_id"       gorm:"type:varchar(64);not null;index:idx_tag_group_owner,priority:2"`
	ChangedAt     int64  `json:"changed_at"     gorm:"not null;index"`
	RemovedAt     *int64 `json:"removed_at,omitempty"`
}

// TableName returns the database table name for TransactionTag.
func (TransactionTag) TableName() string { return "transaction_tags" }

// CacheEntry is one transaction held in the client-local persistent cache,
// keyed by (group, owner, transaction). Date and CachedAt are unix-nano
// values; CachedAt is refreshed on every write and drives eviction.
type CacheEntry struct {
	GroupID       string      `json:"group_id"       gorm:"type:char(36);primaryKey;index:idx_cache_group_date,priority:1"`
	OwnerID       string      `json:"owner_id"       gorm:"type:varchar(64);primaryKey"`
	TransactionID string      `json:"transaction_id" gorm:"type:char(36);primaryKey"`
	Date          int64       `json:"date"           gorm:"not null;index:idx_cache_group_date,priority:2"`
	CachedAt      int64       `json:"cached_at"      gorm:"not null;index:idx_cache_cached_at"`
	Payload       Transaction `json:"transaction"    gorm:"type:TEXT;serializer:json;not null"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string { return "cache_entries" }

// SyncMetadata is the local sync bookkeeping for one group.
type SyncMetadata struct {
	GroupID    string `json:"group_id"     gorm:"type:char(36);primaryKey"`
	LastSyncAt int64  `json:"last_sync_at" gorm:"not null;default:0"`

	Watermarks []MemberWatermark `json:"watermarks" gorm:"foreignKey:GroupID;references:GroupID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SyncMetadata.
func (SyncMetadata) TableName() string { return "sync_metadata" }

// PerMember returns the perMemberSyncTimestamps map.
func (m *SyncMetadata) PerMember() map[string]int64 {
	out := make(map[string]int64, len(m.Watermarks))
	for _, w := range m.Watermarks {
		out[w.MemberID] = w.Watermark
	}
	return out
}

// MemberWatermark is the member change timestamp up to which the local cache
// is known to be complete.
type MemberWatermark struct {
	GroupID   string `json:"group_id"  gorm:"type:char(36);primaryKey"`
	MemberID  string `json:"member_id" gorm:"type:varchar(64);primaryKey"`
	Watermark int64  `json:"watermark" gorm:"not null"`
}

// TableName returns the database table name for MemberWatermark.
func (MemberWatermark) TableName() string { return "member_watermarks" }

// PushSubscription is a Web Push endpoint registered by a user. An endpoint
// belongs to exactly one user.
type PushSubscription struct {
	ID         string    `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID     string    `json:"user_id"      gorm:"type:varchar(64);not null;index"`
	Endpoint   string    `json:"endpoint"     gorm:"type:text;not null;uniqueIndex:ux_push_endpoint"`
	P256dh     string    `json:"p256dh"       gorm:"type:text;not null"`
	Auth       string    `json:"auth"         gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at" gorm:"index"`
}

// TableName returns the database table name for PushSubscription.
func (PushSubscription) TableName() string { return "push_subscriptions" }
