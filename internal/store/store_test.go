// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/errors"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	path := filepath.Join(s.T().TempDir(), "exchange.db")
	st, err := Open(path)
	require.NoError(s.T(), err)
	s.store = st
	s.ctx = context.Background()
}

func (s *StoreSuite) TearDownTest() {
	require.NoError(s.T(), s.store.Close())
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) TestCreateUserGrantsSignupLedgerEntry() {
	u, err := s.store.CreateUser(s.ctx, "alice", "hash", domain.RoleSubmitter, 100)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), u.Balance)

	balance, err := s.store.Balance(s.ctx, u.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(100), balance)
}

func (s *StoreSuite) TestCreateUserRejectsDuplicateUsername() {
	_, err := s.store.CreateUser(s.ctx, "bob", "hash", domain.RoleSubmitter, 100)
	require.NoError(s.T(), err)

	_, err = s.store.CreateUser(s.ctx, "bob", "hash2", domain.RoleSubmitter, 100)
	require.Error(s.T(), err)
	assert.Equal(s.T(), errors.CodePermissionDenied, errors.CodeOf(err))
}

// S1 — happy path: submit, assign, complete; verify balances and ledger.
func (s *StoreSuite) TestHappyPathSettlesAndCredits() {
	alice, err := s.store.CreateUser(s.ctx, "alice", "h", domain.RoleSubmitter, 100)
	require.NoError(s.T(), err)
	ownerUser, err := s.store.CreateUser(s.ctx, "w1owner", "h", domain.RoleWorkerOwner, 0)
	require.NoError(s.T(), err)

	demands := domain.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60}
	cost := domain.Cost(demands)
	require.EqualValues(s.T(), 9, cost)

	job, err := s.store.EnqueueJob(s.ctx, domain.Job{
		Title: "J1", SubmitterID: alice.ID, Demands: demands,
		CreditCost: cost, CreditReward: cost, Priority: domain.DefaultPriority,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.JobPending, job.Status)

	balance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 91, balance)

	w1, err := s.store.RegisterWorker(s.ctx, ownerUser.ID, "w1", domain.ResourceSpec{CPUCores: 2, RAMGB: 2, DockerAvail: true})
	require.NoError(s.T(), err)

	assigned, err := s.store.AssignNextJob(s.ctx, w1.ID, w1.Specs)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), assigned)
	assert.Equal(s.T(), job.ID, assigned.ID)
	assert.Equal(s.T(), domain.JobRunning, assigned.Status)

	settled, err := s.store.SettleJob(s.ctx, job.ID, domain.JobCompleted, domain.Result{Stdout: "ok"}, SettleOptions{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.JobCompleted, settled.Status)

	aliceBalance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 91, aliceBalance)
	ownerBalance, _ := s.store.Balance(s.ctx, ownerUser.ID)
	assert.EqualValues(s.T(), 9, ownerBalance)
}

// S2 — insufficient credits.
func (s *StoreSuite) TestEnqueueRejectsInsufficientCredits() {
	bob, err := s.store.CreateUser(s.ctx, "bob", "h", domain.RoleSubmitter, 5)
	require.NoError(s.T(), err)

	_, err = s.store.EnqueueJob(s.ctx, domain.Job{
		Title: "J", SubmitterID: bob.ID,
		Demands:    domain.Demands{CPUCores: 1, RAMGB: 1, TimeoutSeconds: 60},
		CreditCost: 9, CreditReward: 9,
	})
	require.Error(s.T(), err)
	assert.Equal(s.T(), errors.CodeInsufficientCredits, errors.CodeOf(err))

	balance, _ := s.store.Balance(s.ctx, bob.ID)
	assert.EqualValues(s.T(), 5, balance)
}

// S3 — resource mismatch: no_job for a non-matching worker, then match.
func (s *StoreSuite) TestAssignNextJobSkipsNonMatchingWorker() {
	alice, _ := s.store.CreateUser(s.ctx, "alice3", "h", domain.RoleSubmitter, 100)
	owner, _ := s.store.CreateUser(s.ctx, "owner3", "h", domain.RoleWorkerOwner, 0)

	job, err := s.store.EnqueueJob(s.ctx, domain.Job{
		Title: "gpu-job", SubmitterID: alice.ID,
		Demands:    domain.Demands{GPURequired: true, TimeoutSeconds: 60},
		CreditCost: domain.Cost(domain.Demands{GPURequired: true, TimeoutSeconds: 60}),
	})
	require.NoError(s.T(), err)

	w2, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w2", domain.ResourceSpec{CPUCores: 4, RAMGB: 4})
	noMatch, err := s.store.AssignNextJob(s.ctx, w2.ID, w2.Specs)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), noMatch)

	w3, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w3", domain.ResourceSpec{CPUCores: 4, RAMGB: 4, GPUName: "a100"})
	match, err := s.store.AssignNextJob(s.ctx, w3.ID, w3.Specs)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), match)
	assert.Equal(s.T(), job.ID, match.ID)
}

// S4 — priority ordering.
func (s *StoreSuite) TestAssignNextJobOrdersByPriorityThenFIFO() {
	alice, _ := s.store.CreateUser(s.ctx, "alice4", "h", domain.RoleSubmitter, 1000)
	owner, _ := s.store.CreateUser(s.ctx, "owner4", "h", domain.RoleWorkerOwner, 0)

	jobA, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "A", SubmitterID: alice.ID, Priority: 5, CreditCost: 5, Demands: domain.Demands{}})
	require.NoError(s.T(), err)
	time.Sleep(2 * time.Millisecond)
	jobB, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "B", SubmitterID: alice.ID, Priority: 7, CreditCost: 5, Demands: domain.Demands{}})
	require.NoError(s.T(), err)

	w, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w4", domain.ResourceSpec{CPUCores: 8, RAMGB: 8})

	first, err := s.store.AssignNextJob(s.ctx, w.ID, w.Specs)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), jobB.ID, first.ID)

	second, err := s.store.AssignNextJob(s.ctx, w.ID, w.Specs)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), jobA.ID, second.ID)
}

// S5 — settling against a non-running job is rejected.
func (s *StoreSuite) TestSettleRejectsNonRunningJob() {
	alice, _ := s.store.CreateUser(s.ctx, "alice5", "h", domain.RoleSubmitter, 100)
	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 5})
	require.NoError(s.T(), err)

	_, err = s.store.SettleJob(s.ctx, job.ID, domain.JobCompleted, domain.Result{}, SettleOptions{})
	require.Error(s.T(), err)
	assert.Equal(s.T(), errors.CodeInvalidState, errors.CodeOf(err))
}

// S6 — timeout with partial refund.
func (s *StoreSuite) TestSettleTimedOutRefundsConfiguredFraction() {
	alice, _ := s.store.CreateUser(s.ctx, "alice6", "h", domain.RoleSubmitter, 100)
	owner, _ := s.store.CreateUser(s.ctx, "owner6", "h", domain.RoleWorkerOwner, 0)

	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 10, Demands: domain.Demands{}})
	require.NoError(s.T(), err)
	w, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w6", domain.ResourceSpec{})
	_, err = s.store.AssignNextJob(s.ctx, w.ID, w.Specs)
	require.NoError(s.T(), err)

	settled, err := s.store.SettleJob(s.ctx, job.ID, domain.JobTimedOut, domain.Result{}, SettleOptions{TimeoutRefundFraction: 0.5})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.JobTimedOut, settled.Status)

	balance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 95, balance) // 100 - 10 + 5
}

func (s *StoreSuite) TestCancelPendingRefundsFullCost() {
	alice, _ := s.store.CreateUser(s.ctx, "alice7", "h", domain.RoleSubmitter, 100)
	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 9})
	require.NoError(s.T(), err)

	cancelled, err := s.store.CancelPending(s.ctx, job.ID, alice.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.JobCancelled, cancelled.Status)

	balance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 100, balance)
}

func (s *StoreSuite) TestCancelPendingRejectsNonOwner() {
	alice, _ := s.store.CreateUser(s.ctx, "alice8", "h", domain.RoleSubmitter, 100)
	eve, _ := s.store.CreateUser(s.ctx, "eve8", "h", domain.RoleSubmitter, 100)
	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 9})
	require.NoError(s.T(), err)

	_, err = s.store.CancelPending(s.ctx, job.ID, eve.ID)
	require.Error(s.T(), err)
	assert.Equal(s.T(), errors.CodePermissionDenied, errors.CodeOf(err))
}

// Invariant 6: a stalled running job eventually becomes non-running.
func (s *StoreSuite) TestReapStalledJobsFailsAndRefunds() {
	alice, _ := s.store.CreateUser(s.ctx, "alice9", "h", domain.RoleSubmitter, 100)
	owner, _ := s.store.CreateUser(s.ctx, "owner9", "h", domain.RoleWorkerOwner, 0)

	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 9})
	require.NoError(s.T(), err)
	w, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w9", domain.ResourceSpec{})
	_, err = s.store.AssignNextJob(s.ctx, w.ID, w.Specs)
	require.NoError(s.T(), err)

	offlineSince := time.Now().UTC().Add(-time.Hour)
	require.NoError(s.T(), s.store.SetWorkerStatus(s.ctx, w.ID, domain.WorkerOffline, &offlineSince))

	settled, err := s.store.ReapStalledJobs(s.ctx, time.Now().UTC(), 30*time.Second, SettleOptions{})
	require.NoError(s.T(), err)
	require.Len(s.T(), settled, 1)
	assert.Equal(s.T(), domain.JobFailed, settled[0].Status)

	balance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 100, balance)
}

func (s *StoreSuite) TestReapStalledJobsIgnoresJobsWithinGrace() {
	alice, _ := s.store.CreateUser(s.ctx, "alice10", "h", domain.RoleSubmitter, 100)
	owner, _ := s.store.CreateUser(s.ctx, "owner10", "h", domain.RoleWorkerOwner, 0)

	job, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "J", SubmitterID: alice.ID, CreditCost: 9})
	require.NoError(s.T(), err)
	w, _ := s.store.RegisterWorker(s.ctx, owner.ID, "w10", domain.ResourceSpec{})
	_, err = s.store.AssignNextJob(s.ctx, w.ID, w.Specs)
	require.NoError(s.T(), err)

	offlineSince := time.Now().UTC()
	require.NoError(s.T(), s.store.SetWorkerStatus(s.ctx, w.ID, domain.WorkerOffline, &offlineSince))

	settled, err := s.store.ReapStalledJobs(s.ctx, time.Now().UTC(), 30*time.Second, SettleOptions{})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), settled)

	current, err := s.store.GetJob(s.ctx, job.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), domain.JobRunning, current.Status)
}

func (s *StoreSuite) TestRegisterWorkerIsIdempotentOnOwnerName() {
	owner, _ := s.store.CreateUser(s.ctx, "owner11", "h", domain.RoleWorkerOwner, 0)

	first, err := s.store.RegisterWorker(s.ctx, owner.ID, "laptop", domain.ResourceSpec{CPUCores: 2, RAMGB: 2})
	require.NoError(s.T(), err)

	second, err := s.store.RegisterWorker(s.ctx, owner.ID, "laptop", domain.ResourceSpec{CPUCores: 4, RAMGB: 4})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), first.ID, second.ID)
	assert.Equal(s.T(), 4, second.Specs.CPUCores)
}

func (s *StoreSuite) TestGrantRecordsAdminAdjust() {
	alice, _ := s.store.CreateUser(s.ctx, "alice12", "h", domain.RoleSubmitter, 10)
	require.NoError(s.T(), s.store.Grant(s.ctx, alice.ID, 50, "bonus"))

	balance, _ := s.store.Balance(s.ctx, alice.ID)
	assert.EqualValues(s.T(), 60, balance)
}

func (s *StoreSuite) TestListMyJobsReturnsOnlySubmittersJobs() {
	alice, _ := s.store.CreateUser(s.ctx, "alice13", "h", domain.RoleSubmitter, 100)
	bob, _ := s.store.CreateUser(s.ctx, "bob13", "h", domain.RoleSubmitter, 100)

	_, err := s.store.EnqueueJob(s.ctx, domain.Job{Title: "A1", SubmitterID: alice.ID, CreditCost: 5})
	require.NoError(s.T(), err)
	_, err = s.store.EnqueueJob(s.ctx, domain.Job{Title: "B1", SubmitterID: bob.ID, CreditCost: 5})
	require.NoError(s.T(), err)

	jobs, err := s.store.ListMyJobs(s.ctx, alice.ID, 10, 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), jobs, 1)
	assert.Equal(s.T(), "A1", jobs[0].Title)
}
