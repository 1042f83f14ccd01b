// Package index keeps sessions in display order: pinned first, then most
// recent message first, ties broken by session id.
package index

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/imsync/internal/store"
)

// Key is the sort key of a session.
type Key struct {
	Pinned      bool
	LastMsgTime int64
	SessionID   string
}

// KeyOf extracts the sort key of s.
func KeyOf(s *store.Session) Key {
	return Key{Pinned: s.IsPinned, LastMsgTime: s.LastMsgTime, SessionID: s.SessionID}
}

// Compare orders a before b when a is displayed first.
func Compare(a, b Key) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.LastMsgTime, a.LastMsgTime); c != 0 {
		return c
	}
	return strings.Compare(a.SessionID, b.SessionID)
}

// Index is a sorted view of sessions. Lookups by key are binary searches;
// inserts and removals shift the backing slice.
type Index struct {
	mu    sync.RWMutex
	items []store.Session
	keys  map[string]Key
}

// New returns an empty index.
func New() *Index {
	return &Index{keys: make(map[string]Key)}
}

// Reset replaces the contents with sessions.
func (ix *Index) Reset(sessions []store.Session) {
	items := slices.Clone(sessions)
	slices.SortFunc(items, func(a, b store.Session) int { return Compare(KeyOf(&a), KeyOf(&b)) })
	keys := make(map[string]Key, len(items))
	for i := range items {
		keys[items[i].SessionID] = KeyOf(&items[i])
	}

	ix.mu.Lock()
	ix.items = items
	ix.keys = keys
	ix.mu.Unlock()
}

// Upsert inserts s or updates it. The entry is only repositioned when its
// sort key changed. It reports whether the position changed.
func (ix *Index) Upsert(s store.Session) bool {
	k := KeyOf(&s)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.keys[s.SessionID]; ok {
		i, found := ix.search(old)
		if found && old == k {
			ix.items[i] = s
			return false
		}
		if found {
			ix.items = slices.Delete(ix.items, i, i+1)
		}
	}
	i, _ := ix.search(k)
	ix.items = slices.Insert(ix.items, i, s)
	ix.keys[s.SessionID] = k
	return true
}

// Remove drops a session. It reports whether the session was present.
func (ix *Index) Remove(sessionID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	k, ok := ix.keys[sessionID]
	if !ok {
		return false
	}
	delete(ix.keys, sessionID)
	if i, found := ix.search(k); found {
		ix.items = slices.Delete(ix.items, i, i+1)
	}
	return true
}

// Get returns a session by id.
func (ix *Index) Get(sessionID string) (store.Session, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	k, ok := ix.keys[sessionID]
	if !ok {
		return store.Session{}, false
	}
	i, found := ix.search(k)
	if !found {
		return store.Session{}, false
	}
	return ix.items[i], true
}

// Position returns the display position of a session, -1 when absent.
func (ix *Index) Position(sessionID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	k, ok := ix.keys[sessionID]
	if !ok {
		return -1
	}
	i, found := ix.search(k)
	if !found {
		return -1
	}
	return i
}

// Snapshot returns a copy of the sessions in display order.
func (ix *Index) Snapshot() []store.Session {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Clone(ix.items)
}

// Len returns the number of indexed sessions.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

func (ix *Index) search(k Key) (int, bool) {
	return slices.BinarySearchFunc(ix.items, k, func(s store.Session, k Key) int {
		return Compare(KeyOf(&s), k)
	})
}
