package model

import "time"

// User privilege levels.
const (
	UserlvlPlayer = 1
	UserlvlMod    = 64
	UserlvlAdmin  = 128
)

// User represents a player account.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string     `gorm:"uniqueIndex;size:32;not null" json:"name"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Userlvl      int        `gorm:"not null;default:1" json:"userlvl"`
	Country      string     `gorm:"size:2" json:"country"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
