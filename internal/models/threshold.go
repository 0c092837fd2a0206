package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/threshold"
)

// Threshold is a rate limit or suppression for one rule of a ruleset, or for
// the whole ruleset when RuleID is nil.
type Threshold struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	UUID          string    `json:"uuid" gorm:"uniqueIndex"`
	RulesetID     uint      `json:"ruleset_id" gorm:"index;not null"`
	RuleID        *uint     `json:"rule_id,omitempty" gorm:"index"`
	ThresholdType string    `json:"threshold_type" gorm:"not null"` // threshold|suppress
	Type          string    `json:"type"`                           // limit|threshold|both
	TrackBy       string    `json:"track_by"`                       // by_src|by_dst|both
	Net           string    `json:"net"`
	GID           int64     `json:"gid" gorm:"column:gid;default:1"`
	Count         int       `json:"count"`
	Seconds       int       `json:"seconds"`
	Descr         string    `json:"descr"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (t *Threshold) BeforeCreate(tx *gorm.DB) (err error) {
	if t.UUID == "" {
		t.UUID = uuid.New().String()
	}
	return
}

// Scope returns the containment scope of the threshold.
func (t *Threshold) Scope() (threshold.Scope, error) {
	nets, err := threshold.ParseNet(t.Net)
	if err != nil {
		return threshold.Scope{}, err
	}
	return threshold.Scope{
		RulesetID: t.RulesetID,
		RuleID:    t.RuleID,
		Kind:      t.ThresholdType,
		TrackBy:   t.TrackBy,
		Net:       nets,
	}, nil
}

// Directive converts the record for rendering against sid (0 for ruleset-wide).
func (t *Threshold) Directive(sid int64) threshold.Directive {
	return threshold.Directive{
		Kind:    t.ThresholdType,
		Type:    t.Type,
		TrackBy: t.TrackBy,
		Net:     t.Net,
		GID:     t.GID,
		SID:     sid,
		Count:   t.Count,
		Seconds: t.Seconds,
	}
}
