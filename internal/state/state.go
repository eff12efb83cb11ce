// Package state is the bridge's memory across restarts: one record per
// pull request, serialized as line-delimited JSON in a version-controlled
// ref so the history of every mutation is auditable.
package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Record is the durable state of one pull request.
type Record struct {
	// EntityID is the stable "repository#id" key.
	EntityID string `json:"entity_id"`

	// Lifecycle fields owned by the notifier: the last snapshot whose
	// deltas were delivered. Notified is set once the new-PR callbacks
	// went out, so a record stored by the bridge alone never suppresses
	// them.
	IssueIDs         []string `json:"issue_ids,omitempty"`
	IntegratedCommit string   `json:"integrated_commit,omitempty"`
	Head             string   `json:"head,omitempty"`
	State            string   `json:"state,omitempty"`
	TargetBranch     string   `json:"target_branch,omitempty"`
	Notified         bool     `json:"notified,omitempty"`

	// Fingerprints is the set of Message-IDs this bridge has emitted for
	// the pull request. Updated immediately after a successful send so a
	// crashed retry never double-sends.
	Fingerprints []string `json:"sent_mail_fingerprints,omitempty"`

	// Heads records every head revision bridged so far, in order. Its
	// length is the next revision ordinal.
	Heads []string `json:"heads,omitempty"`
}

// HasFingerprint reports whether the record already carries the Message-ID.
func (r *Record) HasFingerprint(id string) bool {
	for _, f := range r.Fingerprints {
		if f == id {
			return true
		}
	}
	return false
}

// AddFingerprint appends a Message-ID if not yet present.
func (r *Record) AddFingerprint(id string) {
	if !r.HasFingerprint(id) {
		r.Fingerprints = append(r.Fingerprints, id)
	}
}

// Set is a collection of records keyed by entity id.
type Set struct {
	records map[string]Record
}

// NewSet returns an empty record set.
func NewSet() *Set {
	return &Set{records: make(map[string]Record)}
}

// Get returns the record for an entity, and whether it exists.
func (s *Set) Get(entityID string) (Record, bool) {
	rec, ok := s.records[entityID]
	return rec, ok
}

// Put replaces the entry with the same entity id.
func (s *Set) Put(rec Record) {
	if rec.EntityID == "" {
		return
	}
	s.records[rec.EntityID] = rec
}

// Current returns all records sorted by entity id.
func (s *Set) Current() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of records.
func (s *Set) Len() int {
	return len(s.records)
}

// Merge applies every record from other over this set. Key wins
// last-write: other's entry replaces an existing one wholesale.
func (s *Set) Merge(other *Set) {
	for _, rec := range other.records {
		s.records[rec.EntityID] = rec
	}
}

// Serialize renders the set as line-delimited JSON sorted by entity id,
// producing stable diffs in the backing ref.
func (s *Set) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range s.Current() {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("serializing record %s: %w", rec.EntityID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Deserialize parses a line-delimited JSON blob into a set. Blank lines
// are tolerated; a malformed line fails the whole parse since the blob is
// bridge-owned.
func Deserialize(data []byte) (*Set, error) {
	set := NewSet()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parsing state line %d: %w", lineNo, err)
		}
		if rec.EntityID == "" {
			return nil, fmt.Errorf("state line %d: missing entity_id", lineNo)
		}
		set.records[rec.EntityID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading state blob: %w", err)
	}
	return set, nil
}
