package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fractal-lba/releasegate/internal/api"
)

// ErrNotFound is returned by Get when no live decision exists for a gate id.
var ErrNotFound = errors.New("store: decision not found")

// Store records terminal gate decisions by gate id. First write wins: a gate
// id, once decided, keeps its decision until the entry expires.
type Store interface {
	// Get returns the decision for gateID, or ErrNotFound.
	Get(ctx context.Context, gateID string) (*api.GateDecision, error)

	// Record stores d unless a live decision for d.GateID exists. It returns
	// the decision that is now on record and whether d was the one written.
	Record(ctx context.Context, d *api.GateDecision, ttl time.Duration) (*api.GateDecision, bool, error)

	// Close releases resources
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options select and configure a backend.
type Options struct {
	Backend      string
	SnapshotPath string
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	PostgresDSN  string
}

// Open creates the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		s, err := NewMemoryStore(opts.SnapshotPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPass, opts.RedisDB)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", opts.Backend)
	}
}

// MemoryStore keeps decisions in memory with an optional JSON snapshot file,
// which lets successive CLI invocations share decisions.
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string
	now      func() time.Time
}

type entry struct {
	Decision  *api.GateDecision `json:"decision"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"` // zero = never
}

func (e *entry) live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// NewMemoryStore creates a memory store and loads snapshotPath when it exists.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
		now:      time.Now,
	}
	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (m *MemoryStore) Get(ctx context.Context, gateID string) (*api.GateDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[gateID]
	if !ok || !e.live(m.now()) {
		return nil, ErrNotFound
	}
	return e.Decision, nil
}

func (m *MemoryStore) Record(ctx context.Context, d *api.GateDecision, ttl time.Duration) (*api.GateDecision, bool, error) {
	if d == nil || d.GateID == "" {
		return nil, false, errors.New("store: decision without gate id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, exists := m.store[d.GateID]; exists && e.live(now) {
		return e.Decision, false, nil
	}

	e := &entry{Decision: d}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	m.store[d.GateID] = e

	if m.snapshot != "" {
		if err := m.saveSnapshotLocked(); err != nil {
			return d, true, err
		}
	}
	return d, true, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveSnapshotLocked()
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	now := m.now()
	for k, v := range snapshot {
		if v != nil && v.Decision != nil && v.live(now) {
			m.store[k] = v
		}
	}
	return nil
}

// saveSnapshotLocked writes live entries; the caller holds m.mu.
func (m *MemoryStore) saveSnapshotLocked() error {
	now := m.now()
	toSave := make(map[string]*entry, len(m.store))
	for k, v := range m.store {
		if v.live(now) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.snapshot); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, m.snapshot)
}
