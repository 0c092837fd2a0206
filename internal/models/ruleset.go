package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Action overrides applied on top of a rule's own action keyword.
const (
	ActionNone  = ""
	ActionAlert = "alert"
	ActionDrop  = "drop"
	ActionAllow = "allow"
)

// ValidAction reports whether a is an accepted transform.
func ValidAction(a string) bool {
	switch a {
	case ActionNone, ActionAlert, ActionDrop, ActionAllow:
		return true
	}
	return false
}

// Ruleset is a named deployable configuration. Its compiled output is never
// stored; it is recomputed from these selections.
type Ruleset struct {
	ID              uint              `json:"id" gorm:"primaryKey"`
	UUID            string            `json:"uuid" gorm:"uniqueIndex"`
	Name            string            `json:"name" gorm:"uniqueIndex;not null"`
	Descr           string            `json:"descr"`
	Sources         []SourceAtVersion `json:"sources,omitempty" gorm:"many2many:ruleset_sources;"`
	Categories      []Category        `json:"categories,omitempty" gorm:"many2many:ruleset_categories;"`
	SuppressedRules []Rule            `json:"suppressed_rules,omitempty" gorm:"many2many:ruleset_suppressed_rules;"`
	NeedsTest       bool              `json:"needs_test"`
	LastTestedAt    *time.Time        `json:"last_tested_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (r *Ruleset) BeforeCreate(tx *gorm.DB) (err error) {
	if r.UUID == "" {
		r.UUID = uuid.New().String()
	}
	return
}

// RuleOverride is the per-ruleset state of one rule.
type RuleOverride struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	RulesetID uint   `json:"ruleset_id" gorm:"uniqueIndex:idx_rule_override;not null"`
	RuleID    uint   `json:"rule_id" gorm:"uniqueIndex:idx_rule_override;not null"`
	Action    string `json:"action"`
	// Enabled re-includes a rule even if it ends up in the suppressed set.
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CategoryTransform rewrites the action of every rule of a category in one ruleset.
type CategoryTransform struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	RulesetID  uint      `json:"ruleset_id" gorm:"uniqueIndex:idx_category_transform;not null"`
	CategoryID uint      `json:"category_id" gorm:"uniqueIndex:idx_category_transform;not null"`
	Action     string    `json:"action"`
	UpdatedAt  time.Time `json:"updated_at"`
}
