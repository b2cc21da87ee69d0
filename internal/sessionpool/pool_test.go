// Copyright 2025 James Ross
package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loopai/engine/internal/breaker"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/sandbox"
	"go.uber.org/zap"
)

func noopAdapterFor(domain.ProgramLanguage) (*sandbox.Adapter, *breaker.CircuitBreaker) {
	return nil, nil
}

func TestAcquireRespectsCapacity(t *testing.T) {
	p := New(Config{Capacity: 1, AcquireTimeout: 50 * time.Millisecond}, noopAdapterFor, zap.NewNop())

	sess, err := p.Acquire(context.Background(), domain.LanguagePython)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State != domain.SessionActive {
		t.Fatalf("expected active session, got %s", sess.State)
	}

	_, err = p.Acquire(context.Background(), domain.LanguagePython)
	if err == nil {
		t.Fatal("expected pool exhaustion error when at capacity")
	}
}

func TestReleaseThenCleanupReapsExpiredIdle(t *testing.T) {
	p := New(Config{Capacity: 2, AcquireTimeout: time.Second, IdleTTL: 1 * time.Millisecond, MaxLifetime: time.Hour}, noopAdapterFor, zap.NewNop())

	sess, err := p.Acquire(context.Background(), domain.LanguageGo)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(sess.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	reaped := p.CleanupExpired(context.Background())
	if reaped != 1 {
		t.Fatalf("expected 1 session reaped, got %d", reaped)
	}

	stats := p.GetStatistics()
	if stats.Total != 0 {
		t.Fatalf("expected pool empty after reap, got %+v", stats)
	}
}

func TestGetStatisticsCountsActiveAndIdle(t *testing.T) {
	p := New(Config{Capacity: 2, AcquireTimeout: time.Second}, noopAdapterFor, zap.NewNop())

	a, _ := p.Acquire(context.Background(), domain.LanguagePython)
	b, _ := p.Acquire(context.Background(), domain.LanguageGo)
	_ = p.Release(b.ID)

	stats := p.GetStatistics()
	if stats.Active != 1 || stats.Idle != 1 {
		t.Fatalf("expected 1 active, 1 idle, got %+v", stats)
	}
	_ = a
}

// TestConcurrentAcquireNeverSharesASession asserts P5: no two concurrent
// callers ever observe the same session ID while both hold it active.
func TestConcurrentAcquireNeverSharesASession(t *testing.T) {
	p := New(Config{Capacity: 8, AcquireTimeout: time.Second}, noopAdapterFor, zap.NewNop())

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := p.Acquire(context.Background(), domain.LanguagePython)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if seen[sess.ID] {
				t.Errorf("session %s acquired by more than one caller concurrently", sess.ID)
			}
			seen[sess.ID] = true
			mu.Unlock()
			time.Sleep(time.Millisecond)
			_ = p.Release(sess.ID)
		}()
	}
	wg.Wait()

	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct sessions across concurrent acquires, got %d", len(seen))
	}
}
