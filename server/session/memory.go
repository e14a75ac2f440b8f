package session

import (
	"context"
	"sync"
	"time"

	"github.com/teilomillet/formulate/server/conversation"
)

const sweepEvery = 64

type entry struct {
	sess    conversation.Session
	expires time.Time
}

// MemoryStore keeps snapshots in process memory. Expired entries are
// dropped lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]entry
	locks    map[string]lockEntry
	seq      uint64
	saves    int
	ttl      time.Duration
	lockTTL  time.Duration
	now      func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store. A zero ttl keeps snapshots
// until the process exits; a zero lockTTL keeps locks until released.
func NewMemoryStore(ttl, lockTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]entry),
		locks:    make(map[string]lockEntry),
		ttl:      ttl,
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, id string) (conversation.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return conversation.Session{}, false, nil
	}
	if m.expired(e.expires) {
		delete(m.sessions, id)
		return conversation.Session{}, false, nil
	}
	return e.sess.Clone(), true, nil
}

// Save implements Store
func (m *MemoryStore) Save(ctx context.Context, sess conversation.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saves%sweepEvery == 0 {
		m.sweep()
	}
	m.sessions[sess.ID] = entry{sess: sess.Clone(), expires: m.deadline(m.ttl)}
	return nil
}

// Lock implements Store
func (m *MemoryStore) Lock(ctx context.Context, id string) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[id]; ok && !m.expired(l.expires) {
		return nil, ErrBusy
	}

	m.seq++
	token := m.seq
	m.locks[id] = lockEntry{token: token, expires: m.deadline(m.lockTTL)}

	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		// A lock that expired and was taken by someone else is not ours.
		if l, ok := m.locks[id]; ok && l.token == token {
			delete(m.locks, id)
		}
		return nil
	}, nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of cached snapshots, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep drops expired snapshots. Callers hold m.mu.
func (m *MemoryStore) sweep() {
	for id, e := range m.sessions {
		if m.expired(e.expires) {
			delete(m.sessions, id)
		}
	}
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) expired(t time.Time) bool {
	return !t.IsZero() && !m.now().Before(t)
}
