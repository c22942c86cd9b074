package model

import "time"

// JoinPolicy controls how new members are admitted into a faction.
type JoinPolicy = int

const (
	PolicyOpen       JoinPolicy = 0
	PolicyRequest    JoinPolicy = 1
	PolicyInviteOnly JoinPolicy = 2
)

// ValidPolicy reports whether p is a known join policy value.
func ValidPolicy(p int) bool {
	return p == PolicyOpen || p == PolicyRequest || p == PolicyInviteOnly
}

// Member roles within a faction.
const (
	RoleMember = 0
	RoleOwner  = 1
)

// Faction is a named, tagged player group with an admission policy.
// MemberCount is denormalized and must always equal the number of
// FactionMember rows for this faction; it is only ever changed in the
// same transaction as the member row change.
type Faction struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string     `gorm:"uniqueIndex;size:24;not null" json:"name"`
	Tag         string     `gorm:"uniqueIndex;size:4;not null" json:"tag"`
	Avatar      *string    `gorm:"size:255" json:"avatar"`
	JoinPolicy  JoinPolicy `gorm:"not null;default:0" json:"join_policy"`
	MemberCount int        `gorm:"not null;default:0" json:"member_count"`
	OwnerID     int64      `gorm:"not null;index" json:"owner_id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FactionMember links a user to their faction. UID is the primary key:
// a user belongs to at most one faction at a time.
type FactionMember struct {
	UID      int64     `gorm:"primaryKey" json:"uid"`
	FID      int64     `gorm:"column:fid;not null;index" json:"fid"`
	Role     int       `gorm:"not null;default:0" json:"role"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// FactionBan blocks a user from joining or being invited back until unbanned.
type FactionBan struct {
	FID       int64     `gorm:"column:fid;primaryKey" json:"fid"`
	UID       int64     `gorm:"primaryKey" json:"uid"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// FactionCountryExclude blocks joins and invite acceptance from a country.
// Country is an upper-case ISO-3166 alpha-2 code.
type FactionCountryExclude struct {
	FID       int64     `gorm:"column:fid;primaryKey" json:"fid"`
	Country   string    `gorm:"primaryKey;size:2" json:"country"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// FactionInvite is a code-gated admission ticket. InvitedUID 0 means a
// generic invite anyone can redeem; at most one generic invite exists per
// faction, created lazily.
type FactionInvite struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	FID        int64     `gorm:"column:fid;not null;index" json:"fid"`
	Code       string    `gorm:"uniqueIndex;size:14;not null" json:"code"`
	InvitedUID int64     `gorm:"not null;default:0" json:"invited_uid"`
	CreatedBy  int64     `gorm:"not null;default:0" json:"created_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// FactionJoinRequest is a pending admission request under the REQUEST policy.
type FactionJoinRequest struct {
	FID       int64     `gorm:"column:fid;primaryKey" json:"fid"`
	UID       int64     `gorm:"primaryKey" json:"uid"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
