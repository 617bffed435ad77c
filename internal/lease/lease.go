// Package lease serializes balance-affecting work per key (trip, LR number, agent).
//
// Two backends are provided: Local, an in-process keyed mutex, and Redis, a
// SET NX PX lease with compare-and-delete release for multi-instance deployments.
package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyKey    = errors.New("lease: key cannot be empty")
	ErrNilFn       = errors.New("lease: function is nil")
	ErrNotAcquired = errors.New("lease: not acquired")
)

// Locker runs fn while holding an exclusive lease on key.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(context.Context) error) error
}

// TripKey is the lease key guarding a trip's read-compute-write cycle.
func TripKey(tripID string) string { return "trip:" + tripID }

// LRKey guards trip creation for one LR number.
func LRKey(lr string) string { return "lr:" + strings.ToLower(strings.TrimSpace(lr)) }

// AgentKey guards wallet operations that check an agent's balance.
func AgentKey(agentID string) string { return "agent:" + agentID }

// WaitObserver receives how long callers waited for a lease.
type WaitObserver func(d time.Duration)

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped once no goroutine holds or waits for the key.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	observe WaitObserver
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// OnWait registers an observer for lease wait durations.
func (l *Local) OnWait(fn WaitObserver) *Local {
	l.observe = fn
	return l
}

func (l *Local) WithLease(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	defer l.release(key, e)

	start := time.Now()
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.observe != nil {
		l.observe(time.Since(start))
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// held reports the number of tracked keys; used by tests.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
