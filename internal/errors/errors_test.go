package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFetchError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), true},
		{"server error", &StatusError{Code: 503, Status: "503 Service Unavailable"}, true},
		{"rate limited", &StatusError{Code: 429, Status: "429 Too Many Requests"}, true},
		{"not found", &StatusError{Code: 404, Status: "404 Not Found"}, false},
		{"missing file", fs.ErrNotExist, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewFetchError("et-open", "https://example.org/rules", tt.err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.True(t, IsFetch(fmt.Errorf("update: %w", err)))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Source: "et", Category: "emerging-dns", Line: 12, SID: 2000001, Reason: "missing msg"}
	assert.Equal(t, "et/emerging-dns:12 sid 2000001: missing msg", err.Error())

	err = &ParseError{Line: 3, Reason: "missing sid"}
	assert.Equal(t, ":3: missing sid", err.Error())
}

func TestConflictAndIntegrity(t *testing.T) {
	conflict := &ConflictError{Kind: ConflictDuplicateSID, SID: 10, Detail: "seen on line 2"}
	assert.True(t, IsConflict(fmt.Errorf("import: %w", conflict)))
	assert.Contains(t, conflict.Error(), "sid 10")
	assert.False(t, IsConflict(errors.New("other")))

	integrity := &IntegrityError{Entity: "source", Field: "name", Err: errors.New("UNIQUE constraint failed")}
	assert.True(t, IsIntegrity(integrity))
	assert.Equal(t, "source with this name already exists", integrity.Error())
	assert.False(t, IsRetryable(integrity))
}

func TestValidationError(t *testing.T) {
	assert.Equal(t, "validation failed", (&ValidationError{}).Error())
	assert.Equal(t, "validation failed: a; b", (&ValidationError{Diagnostics: []string{"a", "b"}}).Error())
}

func TestFetchErrorRedactsURI(t *testing.T) {
	err := NewFetchError("snort", "https://www.snort.org/rules/snapshot.tar.gz?oinkcode=abc123", &StatusError{Code: 403, Status: "403 Forbidden"})
	assert.NotContains(t, err.Error(), "abc123")
	assert.Contains(t, err.Error(), "oinkcode=redacted")
	assert.False(t, err.Retryable)
}
