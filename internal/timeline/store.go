// Package timeline owns the ordered message log for a single conversation
// or group. All mutation goes through a store-level mutex so the three
// writers that can race on one conversation (local sends, push events,
// late REST hydrates) are linearized.
package timeline

import (
	"errors"
	"sort"
	"sync"
	"time"

	"zalachat/sync/internal/models"
)

var (
	// ErrDuplicateMessage signals a dedup-key collision on insert. It is
	// a no-op indicator, not a failure.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNotFound signals that a patch target is absent, which is
	// tolerated: the patch event may outrun hydration.
	ErrNotFound = errors.New("message not found")
)

// Patch describes a partial update to stored messages. Empty fields are
// left untouched.
type Patch struct {
	Type          string
	Status        string
	ForwardedName string
}

// Store holds the canonical message state for one conversation key.
type Store struct {
	key string

	mu      sync.Mutex
	entries []models.Message
	nonces  map[string]struct{}
	triples map[models.DedupKey]struct{}
}

// New returns an empty store scoped to the given conversation key.
func New(key string) *Store {
	return &Store{
		key:     key,
		nonces:  make(map[string]struct{}),
		triples: make(map[models.DedupKey]struct{}),
	}
}

// Key returns the conversation key the store is scoped to.
func (s *Store) Key() string { return s.key }

// Len returns the number of timeline entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns a copy of the ordered timeline for rendering. The copy
// is independent of later mutations.
func (s *Store) Snapshot() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Insert adds a message at its timestamp-ordered position, ties broken by
// arrival order. Returns ErrDuplicateMessage when the nonce or the
// (timestamp, sender, content) triple is already present.
func (s *Store) Insert(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contains(msg) {
		return ErrDuplicateMessage
	}
	s.insertSorted(msg)
	return nil
}

// Confirm absorbs a server echo of an optimistic local message: the match
// (by nonce, then triple) takes the echo's server ID and moves from
// pending or failed to sent. When the echo carries a different timestamp,
// the entry adopts it and moves to the matching position, since recall and
// delete address messages by the server's timestamp. Reports whether a
// pending entry was matched.
func (s *Store) Confirm(echo models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		m := &s.entries[i]
		if !sameMessage(m, &echo) {
			continue
		}
		if m.ID == "" {
			m.ID = echo.ID
		}
		if m.Status == models.StatusPending || m.Status == models.StatusFailed {
			m.Status = models.StatusSent
		}
		if !echo.Timestamp.IsZero() && !m.Timestamp.Equal(echo.Timestamp) {
			confirmed := *m
			delete(s.triples, confirmed.Dedup())
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			confirmed.Timestamp = echo.Timestamp
			s.insertSorted(confirmed)
		}
		return true
	}
	return false
}

// UpdateByTimestamp patches every entry carrying the given timestamp, the
// addressing recall and delete events use. Returns ErrNotFound when no
// entry matches.
func (s *Store) UpdateByTimestamp(ts time.Time, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := false
	for i := range s.entries {
		if s.entries[i].Timestamp.Equal(ts) {
			applyPatch(&s.entries[i], patch)
			matched = true
		}
	}
	if !matched {
		return ErrNotFound
	}
	return nil
}

// UpdateByNonce patches the entry with the given client nonce. Used for
// failed-send marking and forwarded-name backfill; never reorders.
func (s *Store) UpdateByNonce(nonce string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Nonce == nonce {
			applyPatch(&s.entries[i], patch)
			return nil
		}
	}
	return ErrNotFound
}

// Hydrate replaces the timeline with a REST-fetched snapshot, merged with
// any local messages the server has not observed yet (pending or failed)
// so a message the user just sent never visibly disappears. Snapshot
// entries win over local duplicates with the same dedup key.
func (s *Store) Hydrate(snapshot []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unechoed []models.Message
	for _, m := range s.entries {
		if m.Status == models.StatusPending || m.Status == models.StatusFailed {
			unechoed = append(unechoed, m)
		}
	}

	s.entries = nil
	s.nonces = make(map[string]struct{})
	s.triples = make(map[models.DedupKey]struct{})

	ordered := make([]models.Message, len(snapshot))
	copy(ordered, snapshot)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	for _, m := range ordered {
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		if s.contains(m) {
			continue
		}
		s.insertSorted(m)
	}

	for _, m := range unechoed {
		if s.contains(m) {
			continue
		}
		s.insertSorted(m)
	}
}

func (s *Store) contains(msg models.Message) bool {
	if msg.Nonce != "" {
		if _, ok := s.nonces[msg.Nonce]; ok {
			return true
		}
	}
	_, ok := s.triples[msg.Dedup()]
	return ok
}

// insertSorted places msg after every entry with an earlier-or-equal
// timestamp, preserving arrival order among equal timestamps.
func (s *Store) insertSorted(msg models.Message) {
	pos := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Timestamp.After(msg.Timestamp)
	})
	s.entries = append(s.entries, models.Message{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = msg

	if msg.Nonce != "" {
		s.nonces[msg.Nonce] = struct{}{}
	}
	s.triples[msg.Dedup()] = struct{}{}
}

func sameMessage(a, b *models.Message) bool {
	if a.Nonce != "" && b.Nonce != "" {
		return a.Nonce == b.Nonce
	}
	return a.Dedup() == b.Dedup()
}

// applyPatch enforces the terminal states: a deleted message keeps its
// status, a recalled message keeps its type.
func applyPatch(m *models.Message, p Patch) {
	if p.Type != "" && m.Type != models.TypeRecalled {
		m.Type = p.Type
	}
	if p.Status != "" && m.Status != models.StatusDeleted {
		m.Status = p.Status
	}
	if p.ForwardedName != "" && m.ForwardedName == "" {
		m.ForwardedName = p.ForwardedName
	}
}
