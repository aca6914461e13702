// Package lock implements the per-module re-entrant multi-reader/
// single-writer lock the Registry Core uses to serialize saves (spec.md
// §4.1). Nested read locks held by the same caller are free: reentrancy
// depth is tracked in the context passed to WithReadLock/WithWriteLock, so
// only the outermost acquisition touches the shared counters.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoSuchModule is returned by a "must exist" read-lock acquisition on a
// module the Manager has never seen registered.
var ErrNoSuchModule = errors.New("lock: no such module")

// ErrDeadlockSuspected is returned when a lock wait exceeds the configured
// total timeout.
var ErrDeadlockSuspected = errors.New("lock: deadlock suspected")

// ErrSelfDeadlock is returned when a caller already holding a read lock on
// a module attempts to also take its write lock: write locks are not
// re-entrant and this would block forever.
var ErrSelfDeadlock = errors.New("lock: write lock is not re-entrant, caller already holds a read lock")

const (
	// PollInterval is how often a blocked waiter rechecks the gate.
	PollInterval = 10 * time.Second
	// DefaultTimeout is the total wait budget before DeadlockSuspected,
	// overridable per Manager via the max-deadlock-wait-ms option.
	DefaultTimeout = 120 * time.Second
)

type moduleState struct {
	mu sync.Mutex
	// readers is the count of active read holders.
	readers int
	// writers counts writers currently waiting-or-holding: a nonzero value
	// blocks new read acquisitions, giving writers priority so they are
	// not starved by a steady stream of readers. Only one writer may ever
	// set writerHeld; the rest remain parked in the wait loop.
	writers    int
	writerHeld bool
	// waitCh is closed and replaced on every state transition, waking every
	// waiter blocked on it to recheck, mirroring a condition variable's
	// broadcast without requiring sync.Cond's mutex-coupling; gen counts
	// those broadcasts.
	gen    uint64
	waitCh chan struct{}
}

func newModuleState() *moduleState {
	return &moduleState{waitCh: make(chan struct{})}
}

// broadcast wakes every current waiter. Caller must hold mu.
func (ms *moduleState) broadcast() {
	close(ms.waitCh)
	ms.waitCh = make(chan struct{})
	ms.gen++
}

// Manager owns the per-module lock states (spec.md §4.1, §5 "moduleStates
// map: guarded by its own mutex; mutable only through getModuleState").
type Manager struct {
	mu      sync.Mutex
	states  map[string]*moduleState
	known   map[string]bool // modules the manager will accept "must exist" reads for
	Timeout time.Duration   // overridable via max-deadlock-wait-ms
}

// NewManager creates an empty Manager. registered modules must be declared
// with Register before MustExist read locks will succeed against them.
func NewManager() *Manager {
	return &Manager{
		states:  make(map[string]*moduleState),
		known:   make(map[string]bool),
		Timeout: DefaultTimeout,
	}
}

// Register marks a module as existing, so future "must exist" read locks
// against it succeed. Write locks do not consult this set.
func (m *Manager) Register(module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[module] = true
}

// Unregister reverses Register, e.g. when a module is fully removed.
func (m *Manager) Unregister(module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.known, module)
	delete(m.states, module)
}

func (m *Manager) getState(module string) *moduleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[module]
	if !ok {
		st = newModuleState()
		m.states[module] = st
	}
	return st
}

type ctxKey struct{ module string }

// readDepth reads the caller's current reentrancy depth for module from ctx.
func readDepth(ctx context.Context, module string) int {
	v := ctx.Value(ctxKey{module})
	if v == nil {
		return 0
	}
	return v.(int)
}

func withDepth(ctx context.Context, module string, depth int) context.Context {
	return context.WithValue(ctx, ctxKey{module}, depth)
}

// WithReadLock runs fn holding a read lock on module. mustExist controls
// whether the lock is refused when the module has never been Register-ed
// (spec.md §4.1 "must exist" vs "pre-registration" variants).
func (m *Manager) WithReadLock(ctx context.Context, module string, mustExist bool, fn func(ctx context.Context) error) error {
	if mustExist {
		m.mu.Lock()
		known := m.known[module]
		m.mu.Unlock()
		if !known {
			return fmt.Errorf("%w: %s", ErrNoSuchModule, module)
		}
	}

	depth := readDepth(ctx, module)
	if depth > 0 {
		// Reentrant: the outermost acquisition already holds the gate.
		return fn(withDepth(ctx, module, depth+1))
	}

	st := m.getState(module)
	if err := m.acquireRead(st); err != nil {
		return err
	}
	defer m.releaseRead(st)

	return fn(withDepth(ctx, module, 1))
}

// WithWriteLock runs fn holding the write lock on module. Write locks are
// not re-entrant: a caller that already holds a read lock on module fails
// fast with ErrSelfDeadlock rather than blocking forever.
func (m *Manager) WithWriteLock(ctx context.Context, module string, fn func(ctx context.Context) error) error {
	if readDepth(ctx, module) > 0 {
		return ErrSelfDeadlock
	}

	st := m.getState(module)
	if err := m.acquireWrite(st); err != nil {
		return err
	}
	defer m.releaseWrite(st)

	return fn(ctx)
}

func (m *Manager) acquireRead(st *moduleState) error {
	deadline := time.Now().Add(m.timeout())
	for {
		st.mu.Lock()
		if st.writers == 0 {
			st.readers++
			st.mu.Unlock()
			return nil
		}
		waitCh := st.waitCh
		st.mu.Unlock()

		if !waitFor(waitCh, deadline) {
			return ErrDeadlockSuspected
		}
	}
}

func (m *Manager) releaseRead(st *moduleState) {
	st.mu.Lock()
	st.readers--
	st.broadcast()
	st.mu.Unlock()
}

func (m *Manager) acquireWrite(st *moduleState) error {
	deadline := time.Now().Add(m.timeout())

	st.mu.Lock()
	st.writers++
	st.mu.Unlock()

	for {
		st.mu.Lock()
		if !st.writerHeld && st.readers == 0 {
			st.writerHeld = true
			st.mu.Unlock()
			return nil
		}
		waitCh := st.waitCh
		st.mu.Unlock()

		if !waitFor(waitCh, deadline) {
			st.mu.Lock()
			st.writers--
			st.broadcast()
			st.mu.Unlock()
			return ErrDeadlockSuspected
		}
	}
}

func (m *Manager) releaseWrite(st *moduleState) {
	st.mu.Lock()
	st.writerHeld = false
	st.writers--
	st.broadcast()
	st.mu.Unlock()
}

func (m *Manager) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return DefaultTimeout
}

// waitFor blocks until ch closes or deadline passes, polling at
// PollInterval so a suspicious-looking wait can in principle be observed
// before the hard deadline. Returns false if the deadline was hit.
func waitFor(ch <-chan struct{}, deadline time.Time) bool {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
			return true
		case <-timer.C:
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
