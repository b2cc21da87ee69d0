// Copyright 2025 James Ross

// Package sessionpool implements the Session Pool (§4.1): a bounded set
// of live sandbox sessions, one per in-flight program execution, reaped
// on idle TTL or max lifetime. Grounded on the teacher's worker pool
// (goroutine-per-slot with a shared breaker and periodic metric sampling,
// `internal/worker/worker.go`) and its reaper's scan-and-recover ticker
// (`internal/reaper/reaper.go`), generalized from a Redis job queue to an
// in-memory sandbox session registry.
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loopai/engine/internal/breaker"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/sandbox"
	"go.uber.org/zap"
)

// Config bundles the pool's capacity and lifecycle tunables.
type Config struct {
	Capacity       int
	IdleTTL        time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	ReapInterval   time.Duration
}

type entry struct {
	session *domain.Session
	adapter *sandbox.Adapter
	mu      sync.Mutex
}

// Pool is a counting-semaphore-bounded set of per-language sandbox
// sessions, each independently lockable (invariant I6: acquiring an Idle
// session transitions it to Active atomically).
type Pool struct {
	cfg    Config
	log    *zap.Logger
	sem    chan struct{}
	adapterFor func(domain.ProgramLanguage) (*sandbox.Adapter, *breaker.CircuitBreaker)

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New builds a Pool bounded at cfg.Capacity. adapterFor resolves or lazily
// creates the Adapter and breaker backing a given language.
func New(cfg Config, adapterFor func(domain.ProgramLanguage) (*sandbox.Adapter, *breaker.CircuitBreaker), log *zap.Logger) *Pool {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &Pool{
		cfg:        cfg,
		log:        log,
		sem:        make(chan struct{}, cfg.Capacity),
		adapterFor: adapterFor,
		sessions:   make(map[string]*entry),
	}
}

// Acquire returns an Idle session for language, transitioned to Active,
// when one exists; otherwise it reserves a pool slot and returns a new
// Active session, blocking up to cfg.AcquireTimeout if the pool is saturated.
func (p *Pool) Acquire(ctx context.Context, language domain.ProgramLanguage) (*domain.Session, error) {
	p.mu.RLock()
	for _, e := range p.sessions {
		e.mu.Lock()
		if e.session.Language == language && e.session.State == domain.SessionIdle {
			e.session.State = domain.SessionActive
			e.session.LastActivity = time.Now()
			e.mu.Unlock()
			p.mu.RUnlock()
			return e.session, nil
		}
		e.mu.Unlock()
	}
	p.mu.RUnlock()

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, errs.Wrap(errs.ErrPoolExhausted, errs.PoolExhausted, "session pool saturated")
	}

	adapter, _ := p.adapterFor(language)
	now := time.Now()
	sess := &domain.Session{
		ID:           uuid.NewString(),
		Language:     language,
		State:        domain.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	p.mu.Lock()
	p.sessions[sess.ID] = &entry{session: sess, adapter: adapter}
	p.mu.Unlock()

	p.log.Debug("session acquired", obs.String("session_id", sess.ID), obs.String("language", string(language)))
	return sess, nil
}

// Release returns session to Idle and frees its pool slot reservation
// only once the session is later reaped — the slot stays held while Idle
// so capacity reflects live sandbox processes, not just Active ones.
func (p *Pool) Release(sessionID string) error {
	p.mu.Lock()
	e, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessionpool: unknown session %s", sessionID)
	}
	e.mu.Lock()
	e.session.State = domain.SessionIdle
	e.session.LastActivity = time.Now()
	e.mu.Unlock()
	return nil
}

// Execute runs fn against the session's adapter, bumping its activity
// timestamp and execution count. fn receives the underlying Adapter so
// callers (the Executor) can issue sandbox Run calls.
func (p *Pool) Execute(ctx context.Context, sessionID string, fn func(*sandbox.Adapter) error) error {
	p.mu.RLock()
	e, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sessionpool: unknown session %s", sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.State != domain.SessionActive {
		return fmt.Errorf("sessionpool: session %s is not active", sessionID)
	}

	err := fn(e.adapter)
	e.session.LastActivity = time.Now()
	e.session.ExecutionCount++
	return err
}

// Statistics is the snapshot returned by GetStatistics.
type Statistics struct {
	Active int
	Idle   int
	Total  int
}

// GetStatistics reports the current occupancy of the pool.
func (p *Pool) GetStatistics() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := Statistics{Total: len(p.sessions)}
	for _, e := range p.sessions {
		e.mu.Lock()
		switch e.session.State {
		case domain.SessionActive:
			stats.Active++
		case domain.SessionIdle:
			stats.Idle++
		}
		e.mu.Unlock()
	}
	return stats
}

// obsStats adapts Statistics to obs.PoolStats for the metrics gauge updater.
func (p *Pool) obsStats() obs.PoolStats {
	s := p.GetStatistics()
	return obs.PoolStats{Active: s.Active, Idle: s.Idle}
}

// StatsFunc returns a closure suitable for obs.StartPoolGaugeUpdater.
func (p *Pool) StatsFunc() func() obs.PoolStats { return p.obsStats }

// CleanupExpired reaps Idle sessions that exceed IdleTTL or MaxLifetime
// (invariant I7), closing their adapter and freeing their pool slot.
func (p *Pool) CleanupExpired(ctx context.Context) int {
	now := time.Now()
	var reaped []string

	p.mu.Lock()
	for id, e := range p.sessions {
		e.mu.Lock()
		expired := e.session.State == domain.SessionIdle && e.session.Expired(now, p.cfg.IdleTTL, p.cfg.MaxLifetime)
		e.mu.Unlock()
		if expired {
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	for range reaped {
		<-p.sem
		obs.SessionPoolReaped.Inc()
	}
	if len(reaped) > 0 {
		p.log.Info("sessions reaped", obs.Int("count", len(reaped)))
	}
	return len(reaped)
}

// Run starts the periodic reaper loop, following the teacher's reaper
// ticker pattern, until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CleanupExpired(ctx)
		}
	}
}
