package sessions

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/danharwell/chatmux/internal/queue"
)

// Entry holds per-session metadata. Conversation history is not stored
// here; the delivery core only tracks routing state and counters.
type Entry struct {
	Key      string    `json:"key"`
	Channel  string    `json:"channel,omitempty"`
	ChatID   string    `json:"chatId,omitempty"`
	PeerKind string    `json:"peerKind,omitempty"`
	Model    string    `json:"model,omitempty"`
	Label    string    `json:"label,omitempty"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	// QueueOverride is the sticky per-session queue setting, set by a
	// bare /queue directive and consulted on every later message.
	QueueOverride *queue.Overrides `json:"queueOverride,omitempty"`

	RunCount  int   `json:"runCount,omitempty"`
	LastRunAt int64 `json:"lastRunAt,omitempty"` // unix ms
}

func (e *Entry) clone() *Entry {
	out := *e
	if e.QueueOverride != nil {
		ov := *e.QueueOverride
		out.QueueOverride = &ov
	}
	return &out
}

// EntryStore persists session entries. Implementations: the JSON file
// store in this package and the SQLite store in internal/store/sqlite.
type EntryStore interface {
	Put(ctx context.Context, entry *Entry) error
	List(ctx context.Context) ([]*Entry, error)
	Delete(ctx context.Context, key string) error
}

// Manager handles session entry lifecycle, persistence, and lookup.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	store   EntryStore
}

// NewManager creates a manager backed by the given store. A nil store
// keeps entries in memory only.
func NewManager(ctx context.Context, store EntryStore) *Manager {
	m := &Manager{
		entries: make(map[string]*Entry),
		store:   store,
	}
	if store != nil {
		loaded, err := store.List(ctx)
		if err != nil {
			slog.Warn("sessions: loading entries failed", "error", err)
			return m
		}
		for _, e := range loaded {
			m.entries[e.Key] = e
		}
		slog.Info("sessions: entries loaded", "count", len(loaded))
	}
	return m
}

// GetOrCreate returns a copy of the entry for key, creating it if absent.
func (m *Manager) GetOrCreate(key string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		return e.clone()
	}
	now := time.Now()
	e := &Entry{Key: key, Created: now, Updated: now}
	m.entries[key] = e
	return e.clone()
}

// Get returns a copy of the entry, or nil when unknown.
func (m *Manager) Get(key string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[key]; ok {
		return e.clone()
	}
	return nil
}

// QueueOverride returns the sticky queue override for key, or nil.
func (m *Manager) QueueOverride(key string) *queue.Overrides {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.QueueOverride == nil {
		return nil
	}
	ov := *e.QueueOverride
	return &ov
}

// SetQueueOverride stores (or clears, when ov is nil) the sticky queue
// override and persists the entry.
func (m *Manager) SetQueueOverride(ctx context.Context, key string, ov *queue.Overrides) error {
	m.mutate(key, func(e *Entry) {
		if ov == nil {
			e.QueueOverride = nil
			return
		}
		cp := *ov
		e.QueueOverride = &cp
	})
	return m.persist(ctx, key)
}

// SetModel updates the per-session model and persists the entry.
func (m *Manager) SetModel(ctx context.Context, key, model string) error {
	m.mutate(key, func(e *Entry) { e.Model = model })
	return m.persist(ctx, key)
}

// SetLabel updates the session label and persists the entry.
func (m *Manager) SetLabel(ctx context.Context, key, label string) error {
	m.mutate(key, func(e *Entry) { e.Label = label })
	return m.persist(ctx, key)
}

// TouchRun records a completed agent run against the session.
func (m *Manager) TouchRun(ctx context.Context, key, channel, chatID, peerKind string) error {
	m.mutate(key, func(e *Entry) {
		e.Channel = channel
		e.ChatID = chatID
		e.PeerKind = peerKind
		e.RunCount++
		e.LastRunAt = time.Now().UnixMilli()
	})
	return m.persist(ctx, key)
}

// Delete removes a session entry from memory and the store.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, key)
}

// List returns copies of all entries, optionally filtered by agent ID.
func (m *Manager) List(agentID string) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}

	var out []*Entry
	for key, e := range m.entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// LastUsedChannel finds the most recently run channel session for an
// agent and returns its channel + chatID. Returns ("", "") if none.
func (m *Manager) LastUsedChannel(agentID string) (channel, chatID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var best *Entry
	for key, e := range m.entries {
		if !strings.HasPrefix(key, prefix) || e.Channel == "" {
			continue
		}
		if best == nil || e.LastRunAt > best.LastRunAt {
			best = e
		}
	}
	if best == nil {
		return "", ""
	}
	return best.Channel, best.ChatID
}

// mutate applies fn to the entry for key (creating it if needed) and
// bumps Updated.
func (m *Manager) mutate(key string, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		now := time.Now()
		e = &Entry{Key: key, Created: now}
		m.entries[key] = e
	}
	fn(e)
	e.Updated = time.Now()
}

func (m *Manager) persist(ctx context.Context, key string) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	var snapshot *Entry
	if ok {
		snapshot = e.clone()
	}
	m.mu.RUnlock()
	if snapshot == nil {
		return nil
	}
	return m.store.Put(ctx, snapshot)
}
