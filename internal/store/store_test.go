package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fractal-lba/releasegate/internal/api"
)

func decision(gateID string, d api.Decision) *api.GateDecision {
	return &api.GateDecision{
		GateID:    gateID,
		Decision:  d,
		ExitCode:  api.ExitCodeFor(d, api.BlockedNone),
		Reasons:   []string{},
		DecidedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	got, created, err := s.Record(ctx, decision("g1", api.Proceed), 0)
	if err != nil || !created || got.Decision != api.Proceed {
		t.Fatalf("First record: got %+v, created=%v, err=%v", got, created, err)
	}

	got, created, err = s.Record(ctx, decision("g1", api.Abort), 0)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("Second record must not overwrite")
	}
	if got.Decision != api.Proceed {
		t.Errorf("Expected recorded decision proceed, got %s", got.Decision)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore("")
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if _, _, err := s.Record(ctx, decision("g1", api.Abort), time.Minute); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected expired entry to be gone, got %v", err)
	}

	_, created, err := s.Record(ctx, decision("g1", api.Proceed), time.Minute)
	if err != nil || !created {
		t.Errorf("Expected expired entry to be replaceable, created=%v err=%v", created, err)
	}
}

func TestMemoryStore_RejectsMissingGateID(t *testing.T) {
	s, _ := NewMemoryStore("")
	if _, _, err := s.Record(context.Background(), &api.GateDecision{}, 0); err == nil {
		t.Error("Expected error for empty gate id")
	}
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "decisions.json")

	s, err := NewMemoryStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Record(ctx, decision("g1", api.ProceedWithWarning), 0); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got, err := reopened.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Decision != api.ProceedWithWarning || got.ExitCode != api.ExitProceedWithWarning {
		t.Errorf("Unexpected decision after reopen: %+v", got)
	}
	if !got.DecidedAt.Equal(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("DecidedAt not preserved: %v", got.DecidedAt)
	}
}

func TestMemoryStore_ConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := NewMemoryStore("")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := api.Proceed
			if i%2 == 0 {
				d = api.Abort
			}
			_, created, err := s.Record(ctx, decision("race", d), 0)
			if err != nil {
				t.Errorf("Record failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "etcd"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	s, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Expected memory backend by default, got %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", s)
	}
}
