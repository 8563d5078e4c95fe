// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/errors"
)

type fakeStore struct {
	workers map[string]domain.Worker
	users   map[string]domain.User
	nextID  int
	statusCalls []statusCall
}

type statusCall struct {
	workerID string
	status   domain.WorkerStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{workers: map[string]domain.Worker{}, users: map[string]domain.User{}}
}

func (f *fakeStore) RegisterWorker(ctx context.Context, ownerID, name string, specs domain.ResourceSpec) (domain.Worker, error) {
	for _, w := range f.workers {
		if w.OwnerID == ownerID && w.Name == name {
			w.Specs = specs
			f.workers[w.ID] = w
			return w, nil
		}
	}
	f.nextID++
	w := domain.Worker{ID: "w" + string(rune('0'+f.nextID)), OwnerID: ownerID, Name: name, Specs: specs, Status: domain.WorkerIdle}
	f.workers[w.ID] = w
	return w, nil
}

func (f *fakeStore) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus, offlineSince *time.Time) error {
	f.statusCalls = append(f.statusCalls, statusCall{workerID, status})
	return nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	u, ok := f.users[username]
	if !ok {
		return domain.User{}, errors.New(errors.CodeNotFound, "not found")
	}
	return u, nil
}

type fakeReaper struct {
	calls []string
}

func (f *fakeReaper) ScheduleReapCheck(workerID string, after time.Duration) {
	f.calls = append(f.calls, workerID)
}

func TestAttachRegistersAndMarksIdle(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, &fakeReaper{}, nil, time.Minute)

	ch := make(chan any, 1)
	id, err := r.Attach(context.Background(), "w1", "", domain.ResourceSpec{CPUCores: 2}, ch)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].WorkerID)
	assert.Equal(t, domain.WorkerIdle, snap[0].Status)
}

func TestAttachResolvesOwnerToken(t *testing.T) {
	fs := newFakeStore()
	fs.users["alice"] = domain.User{ID: "u1", Username: "alice"}
	r := New(fs, &fakeReaper{}, nil, time.Minute)

	ch := make(chan any, 1)
	id, err := r.Attach(context.Background(), "w1", "alice", domain.ResourceSpec{}, ch)
	require.NoError(t, err)
	assert.Equal(t, "u1", fs.workers[id].OwnerID)
}

func TestHeartbeatDoesNotOverrideAssignedBusy(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, &fakeReaper{}, nil, time.Minute)
	ch := make(chan any, 1)
	id, _ := r.Attach(context.Background(), "w1", "", domain.ResourceSpec{}, ch)

	r.MarkAssigned(id, "job-1")
	require.NoError(t, r.Heartbeat(id, domain.WorkerIdle))

	snap := r.Snapshot()
	assert.Equal(t, domain.WorkerBusy, snap[0].Status)
	assert.Equal(t, "job-1", snap[0].AssignedJobID)
}

func TestHeartbeatUnknownWorkerErrors(t *testing.T) {
	r := New(newFakeStore(), &fakeReaper{}, nil, time.Minute)
	err := r.Heartbeat("ghost", domain.WorkerIdle)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestMarkSettledReturnsToIdle(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, &fakeReaper{}, nil, time.Minute)
	ch := make(chan any, 1)
	id, _ := r.Attach(context.Background(), "w1", "", domain.ResourceSpec{}, ch)
	r.MarkAssigned(id, "job-1")

	r.MarkSettled(id)
	snap := r.Snapshot()
	assert.Equal(t, domain.WorkerIdle, snap[0].Status)
	assert.Empty(t, snap[0].AssignedJobID)
}

func TestDetachSchedulesReapOnlyWhenJobAssigned(t *testing.T) {
	fs := newFakeStore()
	reaper := &fakeReaper{}
	r := New(fs, reaper, nil, time.Minute)
	ch := make(chan any, 1)
	id, _ := r.Attach(context.Background(), "w1", "", domain.ResourceSpec{}, ch)

	require.NoError(t, r.Detach(context.Background(), id, "socket_closed"))
	assert.Empty(t, reaper.calls)
	assert.False(t, r.IsAttached(id))

	id2, _ := r.Attach(context.Background(), "w2", "", domain.ResourceSpec{}, ch)
	r.MarkAssigned(id2, "job-2")
	require.NoError(t, r.Detach(context.Background(), id2, "heartbeat_timeout"))
	assert.Equal(t, []string{id2}, reaper.calls)
}

func TestSendFailsWhenChannelFull(t *testing.T) {
	fs := newFakeStore()
	r := New(fs, &fakeReaper{}, nil, time.Minute)
	ch := make(chan any, 1)
	id, _ := r.Attach(context.Background(), "w1", "", domain.ResourceSpec{}, ch)

	assert.True(t, r.Send(id, "first"))
	assert.False(t, r.Send(id, "second"))
}

func TestSendToUnattachedWorkerFails(t *testing.T) {
	r := New(newFakeStore(), &fakeReaper{}, nil, time.Minute)
	assert.False(t, r.Send("ghost", "x"))
}
