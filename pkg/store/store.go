// Package store implements the PersistentStore: a typed key/value layer over
// a single JSON document on disk. It is the single source of truth
// for the previous role, override flags, and the last-seen reason sets that
// must survive a process restart.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"
)

// DefaultPath is the well-known document location.
const DefaultPath = "/var/lib/phosphor-state-manager/redundant-bmc/data.json"

// Well-known keys.
const (
	KeyRole                   = "Role"
	KeyPassiveDueToError      = "PassiveDueToError"
	KeyRoleReason             = "RoleReason"
	KeyDisableRed             = "DisableRed"
	KeyNoRedundancyDetails    = "NoRedundancyDetails"
	KeyFailoversPausedReasons = "FailoversAllowedReasons"
	KeyRedundancyOffAtRuntime = "RedundancyOffAtRuntime"
)

// RuntimeLatch is the (valid, value) pair encoding whether redundancy was
// off when this boot reached Runtime.
type RuntimeLatch struct {
	Valid bool
	Value bool
}

// MarshalJSON renders the latch as a two-element [valid, value] array.
func (l RuntimeLatch) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]bool{l.Valid, l.Value})
}

// UnmarshalJSON accepts the two-element array form.
func (l *RuntimeLatch) UnmarshalJSON(data []byte) error {
	var pair [2]bool
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Valid, l.Value = pair[0], pair[1]
	return nil
}

// Store is a JSON document at path, single-writer within this process
//.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store writing to path. An empty path uses DefaultPath.
func New(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{path: path}
}

func (s *Store) readDocument() map[string]json.RawMessage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.ErrorS(err, "Failed reading persistent store file", "path", s.path)
		}
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		klog.ErrorS(err, "Persistent store file is corrupt", "path", s.path)
		return nil
	}
	return doc
}

func (s *Store) writeDocument(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed creating persistent store directory: %w", err)
	}

	encoded, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed encoding persistent store document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("failed writing persistent store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed replacing persistent store file: %w", err)
	}
	return nil
}

// Read returns the value stored under key, or the zero value and false if
// the file is missing, corrupt, the key is absent, or the type doesn't
// match. Read failures degrade silently rather than erroring.
func Read[T any](s *Store, key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	doc := s.readDocument()
	if doc == nil {
		return zero, false
	}

	raw, ok := doc[key]
	if !ok {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		klog.ErrorS(err, "Persistent store value has unexpected type", "key", key)
		return zero, false
	}
	return value, true
}

// Write stores value under key, preserving every other key already in the
// document. Write failures are returned to the caller, logged loudly by
// convention at the call site.
func Write[T any](s *Store, key string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readDocument()
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed encoding value for key %q: %w", key, err)
	}
	doc[key] = encoded

	return s.writeDocument(doc)
}

// Remove deletes key from the document, if present. A missing file or key is
// not an error.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.readDocument()
	if doc == nil {
		return nil
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.writeDocument(doc)
}
