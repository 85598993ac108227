// Package logstore implements the append-only, branching session tree that
// backs every conversation. Entries are immutable once appended; branching
// re-parents new entries under a past parent, and the leaf pointer selects
// which root-to-leaf chain drives the LLM.
package logstore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/weft/pkg/models"
)

// Common store errors.
var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrClosed        = errors.New("log store closed")
)

// Store is the in-memory session tree with optional JSONL persistence.
// All operations are safe for concurrent use; writes are serialized.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*models.Entry
	order    []string            // append order, for deterministic iteration
	children map[string][]string // parent id -> child ids in append order
	leafID   string

	writer *recordWriter // nil for purely in-memory stores
	closed bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[string]*models.Entry),
		children: make(map[string][]string),
	}
}

// Open creates a store backed by the JSONL file at path, loading any
// existing records. The leaf pointer is restored from the last leaf record
// or, when that is absent or empty, set to the last loaded entry.
func Open(path string) (*Store, error) {
	s := NewStore()
	w, entries, leafID, err := openRecordFile(path)
	if err != nil {
		return nil, err
	}
	s.writer = w
	for _, e := range entries {
		s.insertLocked(e)
	}
	if leafID != "" {
		if _, ok := s.entries[leafID]; ok {
			s.leafID = leafID
		}
	} else if len(s.order) > 0 {
		s.leafID = s.order[len(s.order)-1]
	}
	return s, nil
}

// insertLocked places a loaded entry into the tree without persisting it.
func (s *Store) insertLocked(e *models.Entry) {
	if e.ID == "" {
		return
	}
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.children[e.ParentID] = append(s.children[e.ParentID], e.ID)
}

// Append assigns the entry an id if needed, parents it under the current
// leaf, advances the leaf, and persists the record. Returns the entry id.
func (s *Store) Append(e *models.Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ParentID = s.leafID

	s.insertLocked(e)
	s.leafID = e.ID

	if s.writer != nil {
		s.writer.writeEntry(e)
		s.writer.writeLeaf(s.leafID)
	}
	return e.ID, nil
}

// Branch moves the leaf pointer to parentID without removing any entries.
// Subsequent appends create a sibling chain under that parent.
func (s *Store) Branch(parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[parentID]; !ok {
		return ErrEntryNotFound
	}
	s.leafID = parentID
	if s.writer != nil {
		s.writer.writeLeaf(s.leafID)
	}
	return nil
}

// ResetLeaf moves the leaf pointer before the root: the next append starts
// a new root chain.
func (s *Store) ResetLeaf() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leafID = ""
	if s.writer != nil {
		s.writer.writeLeaf("")
	}
}

// LeafID returns the current branch head id, or empty for a fresh session.
func (s *Store) LeafID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafID
}

// GetEntry returns the entry with the given id, or nil if absent.
func (s *Store) GetEntry(id string) *models.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Children returns the ids of entries parented under id, in append order.
func (s *Store) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.children[id]))
	copy(out, s.children[id])
	return out
}

// GetBranch returns the entries from the root to the current leaf in order.
func (s *Store) GetBranch() []*models.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branchToLocked(s.leafID)
}

// BranchTo returns the entries from the root to the given id in order.
func (s *Store) BranchTo(id string) []*models.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branchToLocked(id)
}

func (s *Store) branchToLocked(leaf string) []*models.Entry {
	var chain []*models.Entry
	for id := leaf; id != ""; {
		e, ok := s.entries[id]
		if !ok {
			break
		}
		chain = append(chain, e)
		id = e.ParentID
	}
	// Reverse into root-to-leaf order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Len returns the number of entries in the tree (all branches).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Flush blocks until every pending write is durable. Returns the first
// write error encountered since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.flush()
}

// Close flushes and releases the backing file. The store rejects writes
// afterwards; reads remain valid.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer == nil {
		return nil
	}
	return s.writer.close()
}
