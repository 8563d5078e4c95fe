// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package domain holds the exchange's core entities: users, workers, jobs,
// queue entries, and the credit ledger, plus the pure functions over them
// (cost, matching, state transitions) that every other package builds on.
package domain

import (
	"math"
	"time"
)

// Role identifies what a User is permitted to do.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorkerOwner Role = "worker-owner"
	RoleSubmitter   Role = "submitter"
)

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobTimedOut  JobStatus = "timed_out"
)

// terminal is the set of states a job never leaves.
var terminal = map[JobStatus]bool{
	JobCompleted: true,
	JobFailed:    true,
	JobCancelled: true,
	JobTimedOut:  true,
}

// IsTerminal reports whether s is a terminal job status.
func (s JobStatus) IsTerminal() bool { return terminal[s] }

// validTransitions enumerates every allowed status edge in the job state
// machine (see SPEC_FULL.md §4.4).
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
		JobTimedOut:  true,
	},
}

// CanTransition reports whether from -> to is a legal job state edge.
func CanTransition(from, to JobStatus) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// User owns a credit balance and authenticates as one role.
type User struct {
	ID        string
	Username  string
	Verifier  string
	Role      Role
	Balance   int64
	CreatedAt time.Time
}

// ResourceSpec is the resource profile a worker reports or a job demands.
type ResourceSpec struct {
	CPUCores       int
	RAMGB          float64
	GPUName        string
	DockerAvail    bool
	Tags           map[string]string
}

// Worker is a compute-node session, persisted across reconnects by id.
type Worker struct {
	ID              string
	OwnerID         string
	Name            string
	Specs           ResourceSpec
	Status          WorkerStatus
	LastHeartbeatAt time.Time
	JobsCompleted   int64
	CreditsEarned   int64
}

// Demands is the resource profile a job requires of a candidate worker.
type Demands struct {
	CPUCores       int
	RAMGB          float64
	GPURequired    bool
	DockerRequired bool
	TimeoutSeconds int
	Tags           map[string]string
}

// ArtifactFile is one output file produced by a job's sandbox run.
type ArtifactFile struct {
	Name  string
	Bytes []byte
}

// Result is the bundle a worker reports back for a settled job.
type Result struct {
	Stdout    string
	Stderr    string
	Artifacts []ArtifactFile
}

// Job is a unit of submitted work.
type Job struct {
	ID             string
	Title          string
	SubmitterID    string
	Code           []byte
	Requirements   string
	Demands        Demands
	CreditCost     int64
	CreditReward   int64
	Status         JobStatus
	AssignedWorker string
	Result         Result
	Priority       int
	SubmittedAt    time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// QueueEntry points at a pending job with the fields the scheduler orders on.
type QueueEntry struct {
	JobID     string
	Priority  int
	QueuedAt  time.Time
}

// LedgerKind discriminates why a CreditTransaction exists.
type LedgerKind string

const (
	LedgerSignupGrant LedgerKind = "signup_grant"
	LedgerJobDebit    LedgerKind = "job_debit"
	LedgerJobCredit   LedgerKind = "job_credit"
	LedgerAdminAdjust LedgerKind = "admin_adjust"
)

// CreditTransaction is one append-only ledger row.
type CreditTransaction struct {
	ID        string
	UserID    string
	Delta     int64
	Kind      LedgerKind
	JobID     string
	At        time.Time
}

// DefaultPriority is the priority assigned to a job when none is given.
const DefaultPriority = 5

// Cost computes the exact integer cost/reward for a job's demands, per the
// formula: 5 + 2*cpu + 1*ceil(ram) + 10*(gpu?1:0) + ceil(timeout/60).
func Cost(d Demands) int64 {
	ram := int64(math.Ceil(d.RAMGB))
	gpu := int64(0)
	if d.GPURequired {
		gpu = 1
	}
	timeoutUnits := int64(math.Ceil(float64(d.TimeoutSeconds) / 60.0))
	return 5 + 2*int64(d.CPUCores) + ram + 10*gpu + timeoutUnits
}

// Matches reports whether worker specs w satisfy job demands d, per the
// matching predicate: cpu/ram coverage, gpu presence, docker availability,
// and tag equality where the job names a tag (absent job tags are wildcard).
func Matches(d Demands, w ResourceSpec) bool {
	if w.CPUCores < d.CPUCores {
		return false
	}
	if w.RAMGB < d.RAMGB {
		return false
	}
	if d.GPURequired && w.GPUName == "" {
		return false
	}
	if d.DockerRequired && !w.DockerAvail {
		return false
	}
	for k, v := range d.Tags {
		if w.Tags[k] != v {
			return false
		}
	}
	return true
}

// RefundFraction returns the fraction of cost refunded to the submitter for
// a given terminal outcome, given the configured timeout-refund fraction.
func RefundFraction(outcome JobStatus, timeoutFraction float64, refundOnFailed bool) float64 {
	switch outcome {
	case JobTimedOut:
		return timeoutFraction
	case JobFailed:
		if refundOnFailed {
			return 1
		}
		return 0
	case JobCancelled:
		return 1
	default:
		return 0
	}
}
