// Package snapshot holds the immutable, structural view of a source's rules at one
// retrieval and the diff between two such views.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is the part of a rule that defines its identity and content in a snapshot.
type Entry struct {
	SID      int64  `json:"sid"`
	GID      int64  `json:"gid"`
	Rev      int64  `json:"rev"`
	Msg      string `json:"msg"`
	Content  string `json:"content"`
	Category string `json:"category"`
	State    bool   `json:"state"`
}

// Snapshot is a set of entries keyed by sid, kept sorted.
type Snapshot struct {
	entries []Entry
}

// New builds a snapshot. Later entries with an already seen sid are dropped.
func New(entries []Entry) *Snapshot {
	seen := make(map[int64]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if seen[e.SID] {
			continue
		}
		seen[e.SID] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return &Snapshot{entries: out}
}

// Entries returns the sorted entries. The slice must not be modified.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	return s.entries
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Encode returns the canonical JSON form stored with a SourceUpdate.
func (s *Snapshot) Encode() ([]byte, error) {
	entries := s.Entries()
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Hash is the sha256 of the canonical encoding; equal hashes mean structurally equal snapshots.
func (s *Snapshot) Hash() (string, error) {
	data, err := s.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Decode parses a stored snapshot. An empty payload is an empty snapshot.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return New(nil), nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return New(entries), nil
}
