package services

import (
	"errors"

	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/compiler"
	rerrors "github.com/Wikid82/sigforge/internal/errors"
)

var (
	ErrSourceNotFound    = compiler.ErrSourceNotFound
	ErrUpdateNotFound    = errors.New("source update not found")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrThresholdNotFound = errors.New("threshold not found")
	ErrRulesetNotFound   = compiler.ErrRulesetNotFound
	ErrRuleNotFound      = compiler.ErrRuleNotFound
	ErrInvalidAction     = errors.New("invalid action")
	ErrInvalidSource     = errors.New("invalid source definition")
	ErrInvalidThreshold  = errors.New("invalid threshold")
	ErrInvalidBulkOp     = errors.New("invalid bulk operation")
)

// notFound maps gorm's missing record error to a service sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// integrity turns a translated unique violation into an IntegrityError.
func integrity(err error, entity, field string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &rerrors.IntegrityError{Entity: entity, Field: field, Err: err}
	}
	return err
}
