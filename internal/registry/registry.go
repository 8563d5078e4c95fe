// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package registry holds one record per currently-connected worker. It is a
// cache over the persistent store (internal/store): the store is the source
// of truth, the registry is what the scheduler and session server consult
// without paying a transaction on every heartbeat.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/logging"
)

// Store is the subset of internal/store.Store the registry depends on.
type Store interface {
	RegisterWorker(ctx context.Context, ownerID, name string, specs domain.ResourceSpec) (domain.Worker, error)
	SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus, offlineSince *time.Time) error
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
}

// Reaper is notified when a worker detaches, so it can schedule a delayed
// check for any job still marked assigned to that worker.
type Reaper interface {
	ScheduleReapCheck(workerID string, after time.Duration)
}

// entry is one live worker session.
type entry struct {
	workerID      string
	ownerID       string
	specs         domain.ResourceSpec
	status        domain.WorkerStatus
	assignedJobID string
	lastHeartbeat time.Time
	send          chan<- any
}

// Registry is the in-memory map of live worker sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store        Store
	reaper       Reaper
	logger       logging.Logger
	stallGrace   time.Duration
}

// New builds a Registry backed by store, notifying reaper on detach after
// stallGrace has elapsed.
func New(store Store, reaper Reaper, logger logging.Logger, stallGrace time.Duration) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{
		entries:    make(map[string]*entry),
		store:      store,
		reaper:     reaper,
		logger:     logger,
		stallGrace: stallGrace,
	}
}

// Attach verifies a register message against the store (resolving
// owner_token to a worker-owner user id if present), calls
// store.RegisterWorker, and marks the session idle. owner_token is looked
// up as a username; it is not checked as a signed token.
func (r *Registry) Attach(ctx context.Context, name string, ownerToken string, specs domain.ResourceSpec, send chan<- any) (string, error) {
	var ownerID string
	if ownerToken != "" {
		user, err := r.store.GetUserByUsername(ctx, ownerToken)
		if err != nil {
			return "", err
		}
		ownerID = user.ID
	}

	w, err := r.store.RegisterWorker(ctx, ownerID, name, specs)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.entries[w.ID] = &entry{
		workerID:      w.ID,
		ownerID:       ownerID,
		specs:         specs,
		status:        domain.WorkerIdle,
		lastHeartbeat: time.Now(),
		send:          send,
	}
	r.mu.Unlock()

	logging.LogOperation(r.logger, "registry.attach", "worker_id", w.ID, "name", name).Info("worker attached")
	return w.ID, nil
}

// Heartbeat updates last_heartbeat and may transition idle<->busy from the
// worker's self-reported status, but never overrides a busy state that
// follows from an assignment already recorded here.
func (r *Registry) Heartbeat(workerID string, reported domain.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[workerID]
	if !ok {
		return errors.New(errors.CodeNotFound, "worker not attached").WithDetails(workerID)
	}
	e.lastHeartbeat = time.Now()
	if e.assignedJobID == "" && (reported == domain.WorkerIdle || reported == domain.WorkerBusy) {
		e.status = reported
	}
	return nil
}

// MarkAssigned records that workerID now owns jobID, transitioning it busy.
func (r *Registry) MarkAssigned(workerID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workerID]; ok {
		e.status = domain.WorkerBusy
		e.assignedJobID = jobID
	}
}

// MarkSettled clears a worker's assignment, returning it to idle.
func (r *Registry) MarkSettled(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[workerID]; ok {
		e.status = domain.WorkerIdle
		e.assignedJobID = ""
	}
}

// Detach marks workerID offline, closes its entry, and — if it still owns a
// job — asks the reaper to check on that job after stallGrace, since the
// worker may reconnect and still deliver a result.
func (r *Registry) Detach(ctx context.Context, workerID string, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[workerID]
	if ok {
		delete(r.entries, workerID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	offlineSince := time.Now()
	if err := r.store.SetWorkerStatus(ctx, workerID, domain.WorkerOffline, &offlineSince); err != nil {
		return err
	}
	logging.LogOperation(r.logger, "registry.detach", "worker_id", workerID, "reason", reason).Info("worker detached")

	if e.assignedJobID != "" && r.reaper != nil {
		r.reaper.ScheduleReapCheck(workerID, r.stallGrace)
	}
	return nil
}

// Snapshot is one worker row as seen by the submission API's worker listing.
type Snapshot struct {
	WorkerID      string
	OwnerID       string
	Specs         domain.ResourceSpec
	Status        domain.WorkerStatus
	AssignedJobID string
	LastHeartbeat time.Time
}

// Snapshot returns every currently-attached worker.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Snapshot{
			WorkerID:      e.workerID,
			OwnerID:       e.ownerID,
			Specs:         e.specs,
			Status:        e.status,
			AssignedJobID: e.assignedJobID,
			LastHeartbeat: e.lastHeartbeat,
		})
	}
	return out
}

// Send delivers msg to workerID's outbound channel; returns false if the
// worker is not attached or the channel is full (caller should detach on
// overflow, per the session server's backpressure policy).
func (r *Registry) Send(workerID string, msg any) bool {
	r.mu.RLock()
	e, ok := r.entries[workerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.send <- msg:
		return true
	default:
		return false
	}
}

// IsAttached reports whether workerID currently has a live session.
func (r *Registry) IsAttached(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[workerID]
	return ok
}
