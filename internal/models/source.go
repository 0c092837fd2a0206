package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourceMethod is how a source's feed is retrieved.
type SourceMethod string

const (
	SourceMethodHTTP  SourceMethod = "http"
	SourceMethodLocal SourceMethod = "local"
)

// SourceDatatype describes the layout of the retrieved payload.
type SourceDatatype string

const (
	// DatatypeSigs is a single plain rules file.
	DatatypeSigs SourceDatatype = "sigs"
	// DatatypeArchive is a gzip tarball with one category per *.rules member.
	DatatypeArchive SourceDatatype = "archive"
)

// HeadVersion is the only tracked version of a source.
const HeadVersion = "HEAD"

// Source is a named origin of rules.
type Source struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	UUID        string         `json:"uuid" gorm:"uniqueIndex"`
	Name        string         `json:"name" gorm:"uniqueIndex;not null"`
	URI         string         `json:"uri"`
	Method      SourceMethod   `json:"method" gorm:"default:'http'"`
	Datatype    SourceDatatype `json:"datatype" gorm:"default:'sigs'"`
	AuthKey     string         `json:"-"`
	InsecureTLS bool           `json:"insecure_tls"`
	UpdateCron  string         `json:"update_cron"` // empty uses the configured default
	LastUpdated *time.Time     `json:"last_updated,omitempty"`

	Categories []Category `json:"categories,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Source) BeforeCreate(tx *gorm.DB) (err error) {
	if s.UUID == "" {
		s.UUID = uuid.New().String()
	}
	return
}

// SourceAtVersion is what a ruleset selects: a source pinned to a version.
type SourceAtVersion struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	SourceID uint   `json:"source_id" gorm:"uniqueIndex:idx_source_version;not null"`
	Version  string `json:"version" gorm:"uniqueIndex:idx_source_version;default:'HEAD'"`
	Source   Source `json:"source"`
}

// SourceUpdate is one retrieved snapshot of a source. Only the Head flag changes
// after creation.
type SourceUpdate struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	SourceID    uint      `json:"source_id" gorm:"uniqueIndex:idx_source_retrieved;not null"`
	RetrievedAt time.Time `json:"retrieved_at" gorm:"uniqueIndex:idx_source_retrieved"`
	Version     int       `json:"version"`
	Head        bool      `json:"head" gorm:"index"`
	ContentHash string    `json:"content_hash"`
	Data        []byte    `json:"-"`
	Added       int       `json:"added"`
	Deleted     int       `json:"deleted"`
	Updated     int       `json:"updated"`
	ParseErrors int       `json:"parse_errors"`
	Changed     string    `json:"changed"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u *SourceUpdate) BeforeCreate(tx *gorm.DB) (err error) {
	if u.UUID == "" {
		u.UUID = uuid.New().String()
	}
	return
}

// Category groups the rules of one feed file.
type Category struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	SourceID      uint      `json:"source_id" gorm:"uniqueIndex:idx_category_source_name;not null"`
	Name          string    `json:"name" gorm:"uniqueIndex:idx_category_source_name;not null"`
	Filename      string    `json:"filename"`
	DefaultActive bool      `json:"default_active"`
	CreatedAt     time.Time `json:"created_at"`
}
