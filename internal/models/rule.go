package models

import (
	"strings"
	"time"
)

// Rule is one detection signature, unique by SID across every source.
type Rule struct {
	ID         uint     `json:"id" gorm:"primaryKey"`
	SID        int64    `json:"sid" gorm:"column:sid;uniqueIndex;not null"`
	GID        int64    `json:"gid" gorm:"column:gid;default:1"`
	Rev        int64    `json:"rev"`
	Msg        string   `json:"msg"`
	Content    string   `json:"content"` // without the comment marker
	Classtype  string   `json:"classtype"`
	Flowbits   string   `json:"flowbits"` // comma separated state keys
	CategoryID uint     `json:"category_id" gorm:"index;not null"`
	Category   Category `json:"category"`

	// State is false for rules shipped commented out by the feed.
	State bool `json:"state"`
	// Stale marks a rule missing from the latest import of its source.
	Stale bool `json:"stale" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowbitKeys splits the stored flowbit list.
func (r *Rule) FlowbitKeys() []string {
	if r.Flowbits == "" {
		return nil
	}
	return strings.Split(r.Flowbits, ",")
}

// Available reports whether the rule may be compiled at all.
func (r *Rule) Available() bool {
	return r.State && !r.Stale
}
