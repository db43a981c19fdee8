// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// LockManager serializes cross-client access to a [HandleID] with timed
// leases. Leases never outlive their deadline, even if the holder crashes:
// an expired lease is reclaimed opportunistically by the next operation
// that touches it.
//
// Contention policy is fail-fast: acquiring a handle covered by a live
// foreign lease returns [ErrLockedByOther] immediately rather than
// queueing. Clients are expected to retry.
//
// The zero value is not usable; construct with [NewLockManager].
type LockManager struct {
	// clock provides the current time for deadlines.
	clock clockwork.Clock

	// logger is the SLogger to use.
	logger SLogger

	// mu protects leases. Critical sections are short.
	mu sync.Mutex

	// leases maps each locked handle to its active lease.
	leases map[HandleID]lease
}

// lease is one timed exclusive reservation.
type lease struct {
	// id is the opaque lease identity presented by the holder.
	id uuid.UUID

	// deadline is the absolute instant the lease expires.
	deadline time.Time
}

// NewLockManager creates a [*LockManager].
//
// The cfg argument contains the common configuration for comsrv components.
func NewLockManager(cfg *Config) *LockManager {
	return &LockManager{
		clock:  cfg.Clock,
		logger: cfg.Logger,
		leases: make(map[HandleID]lease),
	}
}

// Lock acquires a lease on handle lasting for the given timeout.
//
// When the handle is unlocked, or its current lease has expired, a fresh
// lease id is returned; lease identity is never reused. When a live lease
// covers the handle, Lock fails fast with [ErrLockedByOther]; holders
// wanting to extend a lease unlock and re-lock.
func (m *LockManager) Lock(handle HandleID, timeout time.Duration) (uuid.UUID, error) {
	if timeout <= 0 {
		return uuid.Nil, Argumentf("lock", "non-positive lock timeout %v", timeout)
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[handle]; ok && now.Before(cur.deadline) {
		return uuid.Nil, &Error{Kind: KindArgument, Op: "lock", Err: ErrLockedByOther}
	}
	id := runtimex.PanicOnError1(uuid.NewRandom())
	m.leases[handle] = lease{id: id, deadline: now.Add(timeout)}
	m.logger.Info(
		"lockAcquired",
		"handle", string(handle),
		"lockId", id.String(),
		"deadline", now.Add(timeout),
	)
	return id, nil
}

// Unlock releases the lease on handle iff id matches the current lease.
//
// A mismatching or stale id is reported as an [KindArgument] error and
// never panics; unlocking an unlocked handle is a no-op.
func (m *LockManager) Unlock(handle HandleID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[handle]
	if !ok {
		return nil
	}
	if cur.id != id {
		return Argumentf("unlock", "lock id %s does not hold %s", id, handle)
	}
	delete(m.leases, handle)
	m.logger.Info("lockReleased", "handle", string(handle), "lockId", id.String())
	return nil
}

// Check performs the dispatch-time admission check for handle.
//
// Access is allowed when no lease exists, the lease has expired, or the
// presented id matches the current lease. Expired leases are reclaimed in
// place. A nil presented id means the request carries no lock.
func (m *LockManager) Check(handle HandleID, presented *uuid.UUID) bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[handle]
	if !ok {
		return true
	}
	if !now.Before(cur.deadline) {
		delete(m.leases, handle)
		return true
	}
	return presented != nil && *presented == cur.id
}
