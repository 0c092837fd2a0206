package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is an external target reached through shoutrrr.
type NotificationProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name" gorm:"uniqueIndex"`
	Type    string `json:"type"` // discord, slack, gotify, telegram, generic
	URL     string `json:"url"`  // shoutrrr URL or discord webhook URL
	Enabled bool   `json:"enabled"`

	NotifySourceUpdates bool `json:"notify_source_updates"`
	NotifyFetchFailures bool `json:"notify_fetch_failures"`
	NotifyTestFailures  bool `json:"notify_test_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return
}

// Wants reports whether the provider subscribed to event.
func (n *NotificationProvider) Wants(event string) bool {
	switch event {
	case EventSourceUpdated:
		return n.NotifySourceUpdates
	case EventFetchFailed:
		return n.NotifyFetchFailures
	case EventTestFailed:
		return n.NotifyTestFailures
	case EventTest:
		return true
	}
	return false
}

// Notification events.
const (
	EventSourceUpdated = "source_updated"
	EventFetchFailed   = "fetch_failed"
	EventTestFailed    = "test_failed"
	EventTest          = "test"
)
