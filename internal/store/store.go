// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store is the exchange's durable source of truth: users, workers,
// jobs, the pending queue, and the credit ledger, each mutated only through
// the atomic operations below. Every mutating operation is one transaction;
// nothing outside this package writes SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/internal/scheduler"
	"github.com/campusgrid/exchange/pkg/errors"
	"github.com/campusgrid/exchange/pkg/retry"
)

const timeLayout = time.RFC3339Nano

// Store is the transactional handle onto the exchange's persisted state.
type Store struct {
	db      *sql.DB
	backoff retry.BackoffStrategy
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the schema exists. A single writer connection is used: SQLite serializes
// writers regardless, and this avoids surfacing SQLITE_BUSY on every
// contended assignment.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "open store", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "apply schema", err)
	}

	return &Store{
		db: db,
		backoff: &retry.ExponentialBackoff{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2,
			Jitter:       0.2,
			MaxAttempts:  5,
		},
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, retrying on a bounded schedule if the
// underlying driver reports a busy/locked conflict, and surfacing
// CodeStoreConflict once the budget is exhausted (SPEC_FULL.md §7).
func withTx[T any](ctx context.Context, s *Store, fn func(*sql.Tx) (T, error)) (T, error) {
	// A non-retryable error from fn cancels retryCtx, which makes
	// RetryWithResult return before waiting out another delay.
	retryCtx, stopRetrying := context.WithCancel(ctx)
	defer stopRetrying()
	var permanent error
	result, err := retry.RetryWithResult(retryCtx, s.backoff, func() (T, error) {
		var zero T
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return zero, classifyTxErr(err)
		}
		result, err := fn(tx)
		if err != nil {
			tx.Rollback()
			if !errors.Classify(err).Retryable {
				permanent = err
				stopRetrying()
			}
			return zero, err
		}
		if err := tx.Commit(); err != nil {
			return zero, classifyTxErr(err)
		}
		return result, nil
	})
	if permanent != nil {
		return result, permanent
	}
	return result, err
}

func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
		return errors.Wrap(errors.CodeStoreConflict, "store transaction conflict", err).WithRetryable(true)
	}
	return errors.Wrap(errors.CodeUnavailable, "store transaction failed", err)
}

// sentinel is a distinguishable error used to short-circuit withTx's retry
// loop for conditions that are not transient (e.g. insufficient credits):
// retrying would just fail identically every time.
type sentinel struct{ err error }

func (s sentinel) Error() string { return s.err.Error() }

// --- Users -----------------------------------------------------------------

// CreateUser inserts a user row and a matching signup_grant ledger entry in
// one transaction.
func (s *Store) CreateUser(ctx context.Context, username, verifier string, role domain.Role, startingGrant int64) (domain.User, error) {
	return withTx(ctx, s, func(tx *sql.Tx) (domain.User, error) {
		u := domain.User{
			ID:        newID(),
			Username:  username,
			Verifier:  verifier,
			Role:      role,
			Balance:   startingGrant,
			CreatedAt: now(),
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, username, verifier, role, balance, created_at) VALUES (?,?,?,?,?,?)`,
			u.ID, u.Username, u.Verifier, string(u.Role), u.Balance, u.CreatedAt.Format(timeLayout))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return domain.User{}, errors.New(errors.CodePermissionDenied, "username already registered").WithDetails(username)
			}
			return domain.User{}, classifyTxErr(err)
		}
		if startingGrant != 0 {
			if err := insertLedger(ctx, tx, u.ID, startingGrant, domain.LedgerSignupGrant, ""); err != nil {
				return domain.User{}, err
			}
		}
		return u, nil
	})
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return s.scanUser(ctx, `SELECT id, username, verifier, role, balance, created_at FROM users WHERE username = ?`, username)
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return s.scanUser(ctx, `SELECT id, username, verifier, role, balance, created_at FROM users WHERE id = ?`, userID)
}

func (s *Store) scanUser(ctx context.Context, query string, arg string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var u domain.User
	var role, createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Verifier, &role, &u.Balance, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.User{}, errors.New(errors.CodeNotFound, "user not found")
		}
		return domain.User{}, classifyTxErr(err)
	}
	u.Role = domain.Role(role)
	u.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return u, nil
}

// Balance returns a user's current balance.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// Grant applies an admin balance adjustment, recorded as an admin_adjust
// ledger entry.
func (s *Store) Grant(ctx context.Context, userID string, delta int64, reason string) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		if err := adjustBalance(ctx, tx, userID, delta); err != nil {
			return struct{}{}, err
		}
		if err := insertLedger(ctx, tx, userID, delta, domain.LedgerAdminAdjust, ""); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	_ = reason // not persisted: the ledger has no column for it
	return err
}

// --- Workers -----------------------------------------------------------------

// RegisterWorker re-adopts an existing (owner, name) worker identity across
// reconnects, or allocates a new worker id if none matches.
func (s *Store) RegisterWorker(ctx context.Context, ownerID, name string, specs domain.ResourceSpec) (domain.Worker, error) {
	return withTx(ctx, s, func(tx *sql.Tx) (domain.Worker, error) {
		tagsJSON, _ := json.Marshal(specs.Tags)

		row := tx.QueryRowContext(ctx, `SELECT id FROM workers WHERE owner_id IS ? AND name = ?`, nullable(ownerID), name)
		var id string
		err := row.Scan(&id)
		switch err {
		case nil:
			_, execErr := tx.ExecContext(ctx, `UPDATE workers SET cpu_cores=?, ram_gb=?, gpu_name=?, docker_available=?, tags=?, status=?, last_heartbeat_at=?, offline_since=NULL WHERE id=?`,
				specs.CPUCores, specs.RAMGB, specs.GPUName, boolInt(specs.DockerAvail), string(tagsJSON), string(domain.WorkerIdle), now().Format(timeLayout), id)
			if execErr != nil {
				return domain.Worker{}, classifyTxErr(execErr)
			}
		case sql.ErrNoRows:
			id = newID()
			_, execErr := tx.ExecContext(ctx, `INSERT INTO workers (id, owner_id, name, cpu_cores, ram_gb, gpu_name, docker_available, tags, status, last_heartbeat_at, jobs_completed, credits_earned) VALUES (?,?,?,?,?,?,?,?,?,?,0,0)`,
				id, nullable(ownerID), name, specs.CPUCores, specs.RAMGB, specs.GPUName, boolInt(specs.DockerAvail), string(tagsJSON), string(domain.WorkerIdle), now().Format(timeLayout))
			if execErr != nil {
				return domain.Worker{}, classifyTxErr(execErr)
			}
		default:
			return domain.Worker{}, classifyTxErr(err)
		}

		return s.scanWorkerTx(ctx, tx, id)
	})
}

// SetWorkerStatus updates a worker's status and heartbeat timestamp, used by
// the registry's detach path.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus, offlineSince *time.Time) error {
	_, err := withTx(ctx, s, func(tx *sql.Tx) (struct{}, error) {
		var offlineVal any
		if offlineSince != nil {
			offlineVal = offlineSince.Format(timeLayout)
		}
		_, execErr := tx.ExecContext(ctx, `UPDATE workers SET status=?, last_heartbeat_at=?, offline_since=? WHERE id=?`,
			string(status), now().Format(timeLayout), offlineVal, workerID)
		return struct{}{}, classifyTxErr(execErr)
	})
	return err
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (domain.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, cpu_cores, ram_gb, gpu_name, docker_available, tags, status, last_heartbeat_at, jobs_completed, credits_earned FROM workers WHERE id = ?`, workerID)
	return scanWorkerRow(row)
}

func (s *Store) scanWorkerTx(ctx context.Context, tx *sql.Tx, workerID string) (domain.Worker, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, owner_id, name, cpu_cores, ram_gb, gpu_name, docker_available, tags, status, last_heartbeat_at, jobs_completed, credits_earned FROM workers WHERE id = ?`, workerID)
	return scanWorkerRow(row)
}

func scanWorkerRow(row *sql.Row) (domain.Worker, error) {
	var w domain.Worker
	var ownerID, gpuName, tagsJSON, status, lastHeartbeat sql.NullString
	var dockerAvail int
	if err := row.Scan(&w.ID, &ownerID, &w.Name, &w.Specs.CPUCores, &w.Specs.RAMGB, &gpuName, &dockerAvail, &tagsJSON, &status, &lastHeartbeat, &w.JobsCompleted, &w.CreditsEarned); err != nil {
		if err == sql.ErrNoRows {
			return domain.Worker{}, errors.New(errors.CodeNotFound, "worker not found")
		}
		return domain.Worker{}, classifyTxErr(err)
	}
	w.OwnerID = ownerID.String
	w.Specs.GPUName = gpuName.String
	w.Specs.DockerAvail = dockerAvail != 0
	w.Status = domain.WorkerStatus(status.String)
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &w.Specs.Tags)
	}
	if lastHeartbeat.Valid {
		w.LastHeartbeatAt, _ = time.Parse(timeLayout, lastHeartbeat.String)
	}
	return w, nil
}

// ListWorkers returns up to limit workers starting at offset, ordered by id
// for stable pagination.
func (s *Store) ListWorkers(ctx context.Context, limit, offset int) ([]domain.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id, name, cpu_cores, ram_gb, gpu_name, docker_available, tags, status, last_heartbeat_at, jobs_completed, credits_earned FROM workers ORDER BY id LIMIT ? OFFSET ?`, limitOrDefault(limit), offset)
	if err != nil {
		return nil, classifyTxErr(err)
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var ownerID, gpuName, tagsJSON, status, lastHeartbeat sql.NullString
		var dockerAvail int
		if err := rows.Scan(&w.ID, &ownerID, &w.Name, &w.Specs.CPUCores, &w.Specs.RAMGB, &gpuName, &dockerAvail, &tagsJSON, &status, &lastHeartbeat, &w.JobsCompleted, &w.CreditsEarned); err != nil {
			return nil, classifyTxErr(err)
		}
		w.OwnerID = ownerID.String
		w.Specs.GPUName = gpuName.String
		w.Specs.DockerAvail = dockerAvail != 0
		w.Status = domain.WorkerStatus(status.String)
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &w.Specs.Tags)
		}
		if lastHeartbeat.Valid {
			w.LastHeartbeatAt, _ = time.Parse(timeLayout, lastHeartbeat.String)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Jobs & queue ------------------------------------------------------------

// EnqueueJob inserts the job row, its queue entry, and a job_debit ledger
// entry in one transaction, asserting the submitter's balance covers cost.
func (s *Store) EnqueueJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	result, err := withTx(ctx, s, func(tx *sql.Tx) (domain.Job, error) {
		var balance int64
		row := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, j.SubmitterID)
		if err := row.Scan(&balance); err != nil {
			if err == sql.ErrNoRows {
				return domain.Job{}, sentinel{errors.New(errors.CodeNotFound, "submitter not found")}
			}
			return domain.Job{}, classifyTxErr(err)
		}
		if balance < j.CreditCost {
			return domain.Job{}, sentinel{errors.New(errors.CodeInsufficientCredits, "balance does not cover job cost").
				WithDetails(fmt.Sprintf("balance=%d cost=%d", balance, j.CreditCost))}
		}

		j.ID = newID()
		j.Status = domain.JobPending
		j.SubmittedAt = now()
		tagsJSON, _ := json.Marshal(j.Demands.Tags)

		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (id, title, submitter_id, code, requirements, cpu_cores, ram_gb, gpu_required, docker_required, timeout_seconds, tags, credit_cost, credit_reward, status, priority, submitted_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.Title, j.SubmitterID, j.Code, j.Requirements, j.Demands.CPUCores, j.Demands.RAMGB, boolInt(j.Demands.GPURequired), boolInt(j.Demands.DockerRequired), j.Demands.TimeoutSeconds, string(tagsJSON), j.CreditCost, j.CreditReward, string(j.Status), j.Priority, j.SubmittedAt.Format(timeLayout))
		if err != nil {
			return domain.Job{}, classifyTxErr(err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO queue_entries (job_id, priority, queued_at) VALUES (?,?,?)`,
			j.ID, j.Priority, j.SubmittedAt.Format(timeLayout)); err != nil {
			return domain.Job{}, classifyTxErr(err)
		}

		if err := adjustBalance(ctx, tx, j.SubmitterID, -j.CreditCost); err != nil {
			return domain.Job{}, err
		}
		if err := insertLedger(ctx, tx, j.SubmitterID, -j.CreditCost, domain.LedgerJobDebit, j.ID); err != nil {
			return domain.Job{}, err
		}
		return j, nil
	})
	if sen, ok := err.(sentinel); ok {
		return domain.Job{}, sen.err
	}
	return result, err
}

// AssignNextJob walks the pending queue in (priority DESC, queued_at ASC, id
// ASC) order and assigns the first entry whose demands workerSpecs satisfy.
// Returns (nil, nil) if nothing currently matches.
func (s *Store) AssignNextJob(ctx context.Context, workerID string, workerSpecs domain.ResourceSpec) (*domain.Job, error) {
	return withTx(ctx, s, func(tx *sql.Tx) (*domain.Job, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT j.id, j.title, j.submitter_id, j.code, j.requirements, j.cpu_cores, j.ram_gb, j.gpu_required, j.docker_required, j.timeout_seconds, j.tags, j.credit_cost, j.credit_reward, j.priority, j.submitted_at
			FROM queue_entries q JOIN jobs j ON j.id = q.job_id
			ORDER BY q.priority DESC, q.queued_at ASC, q.job_id ASC`)
		if err != nil {
			return nil, classifyTxErr(err)
		}
		defer rows.Close()

		for rows.Next() {
			var j domain.Job
			var tagsJSON sql.NullString
			var submittedAt string
			var gpuReq, dockerReq int
			if err := rows.Scan(&j.ID, &j.Title, &j.SubmitterID, &j.Code, &j.Requirements, &j.Demands.CPUCores, &j.Demands.RAMGB, &gpuReq, &dockerReq, &j.Demands.TimeoutSeconds, &tagsJSON, &j.CreditCost, &j.CreditReward, &j.Priority, &submittedAt); err != nil {
				return nil, classifyTxErr(err)
			}
			j.Demands.GPURequired = gpuReq != 0
			j.Demands.DockerRequired = dockerReq != 0
			if tagsJSON.Valid && tagsJSON.String != "" {
				_ = json.Unmarshal([]byte(tagsJSON.String), &j.Demands.Tags)
			}

			if !domain.Matches(j.Demands, workerSpecs) {
				continue
			}

			j.SubmittedAt, _ = time.Parse(timeLayout, submittedAt)
			j.Status = domain.JobRunning
			j.AssignedWorker = workerID
			j.StartedAt = now()

			// Close the cursor before issuing further writes on the same
			// connection; the deferred Close above is then a no-op.
			rows.Close()

			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE job_id = ?`, j.ID); err != nil {
				return nil, classifyTxErr(err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_worker=?, started_at=? WHERE id=?`,
				string(j.Status), j.AssignedWorker, j.StartedAt.Format(timeLayout), j.ID); err != nil {
				return nil, classifyTxErr(err)
			}
			return &j, nil
		}
		return nil, rows.Err()
	})
}

// SettleOptions controls the refund policy applied by SettleJob. It is the
// scheduler's type, so *Store satisfies scheduler.Store.
type SettleOptions = scheduler.SettleOptions

// SettleJob transitions a running job to a terminal outcome, persists its
// result, and applies the credit movement that outcome implies (worker
// credit on success, submitter refund on timeout/failure per policy).
func (s *Store) SettleJob(ctx context.Context, jobID string, outcome domain.JobStatus, result domain.Result, opts SettleOptions) (domain.Job, error) {
	out, err := withTx(ctx, s, func(tx *sql.Tx) (domain.Job, error) {
		var status, submitterID string
		var assignedWorker sql.NullString
		var creditCost, creditReward int64
		row := tx.QueryRowContext(ctx, `SELECT status, submitter_id, assigned_worker, credit_cost, credit_reward FROM jobs WHERE id = ?`, jobID)
		if err := row.Scan(&status, &submitterID, &assignedWorker, &creditCost, &creditReward); err != nil {
			if err == sql.ErrNoRows {
				return domain.Job{}, sentinel{errors.New(errors.CodeNotFound, "job not found")}
			}
			return domain.Job{}, classifyTxErr(err)
		}
		if domain.JobStatus(status) != domain.JobRunning {
			return domain.Job{}, sentinel{errors.New(errors.CodeInvalidState, "settle against non-running job").WithDetails(status)}
		}
		if !domain.CanTransition(domain.JobRunning, outcome) {
			return domain.Job{}, sentinel{errors.New(errors.CodeInvalidState, "illegal job transition").WithDetails(string(outcome))}
		}

		artifactsJSON, _ := json.Marshal(result.Artifacts)
		finishedAt := now()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, stdout=?, stderr=?, artifacts=?, finished_at=? WHERE id=?`,
			string(outcome), result.Stdout, result.Stderr, string(artifactsJSON), finishedAt.Format(timeLayout), jobID); err != nil {
			return domain.Job{}, classifyTxErr(err)
		}

		if outcome == domain.JobCompleted && assignedWorker.Valid {
			var ownerID sql.NullString
			if err := tx.QueryRowContext(ctx, `SELECT owner_id FROM workers WHERE id = ?`, assignedWorker.String).Scan(&ownerID); err != nil && err != sql.ErrNoRows {
				return domain.Job{}, classifyTxErr(err)
			}
			if ownerID.Valid && ownerID.String != "" {
				if err := adjustBalance(ctx, tx, ownerID.String, creditReward); err != nil {
					return domain.Job{}, err
				}
				if err := insertLedger(ctx, tx, ownerID.String, creditReward, domain.LedgerJobCredit, jobID); err != nil {
					return domain.Job{}, err
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE workers SET jobs_completed = jobs_completed + 1, credits_earned = credits_earned + ? WHERE id = ?`,
				creditReward, assignedWorker.String); err != nil {
				return domain.Job{}, classifyTxErr(err)
			}
		} else {
			fraction := domain.RefundFraction(outcome, opts.TimeoutRefundFraction, opts.RefundOnFailed)
			refund := int64(float64(creditCost) * fraction)
			if refund > 0 {
				if err := adjustBalance(ctx, tx, submitterID, refund); err != nil {
					return domain.Job{}, err
				}
				if err := insertLedger(ctx, tx, submitterID, refund, domain.LedgerJobCredit, jobID); err != nil {
					return domain.Job{}, err
				}
			}
		}

		return s.scanJobTx(ctx, tx, jobID)
	})
	if sen, ok := err.(sentinel); ok {
		return domain.Job{}, sen.err
	}
	return out, err
}

// CancelPending transitions a pending job to cancelled, removes its queue
// entry, and refunds the submitter the full cost.
func (s *Store) CancelPending(ctx context.Context, jobID, submitterID string) (domain.Job, error) {
	out, err := withTx(ctx, s, func(tx *sql.Tx) (domain.Job, error) {
		var status, owner string
		var cost int64
		row := tx.QueryRowContext(ctx, `SELECT status, submitter_id, credit_cost FROM jobs WHERE id = ?`, jobID)
		if err := row.Scan(&status, &owner, &cost); err != nil {
			if err == sql.ErrNoRows {
				return domain.Job{}, sentinel{errors.New(errors.CodeNotFound, "job not found")}
			}
			return domain.Job{}, classifyTxErr(err)
		}
		if owner != submitterID {
			return domain.Job{}, sentinel{errors.New(errors.CodePermissionDenied, "not the job's submitter")}
		}
		if domain.JobStatus(status) != domain.JobPending {
			return domain.Job{}, sentinel{errors.New(errors.CodeInvalidState, "job is not pending").WithDetails(status)}
		}

		finishedAt := now()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=? WHERE id=?`, string(domain.JobCancelled), finishedAt.Format(timeLayout), jobID); err != nil {
			return domain.Job{}, classifyTxErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE job_id = ?`, jobID); err != nil {
			return domain.Job{}, classifyTxErr(err)
		}
		if err := adjustBalance(ctx, tx, submitterID, cost); err != nil {
			return domain.Job{}, err
		}
		if err := insertLedger(ctx, tx, submitterID, cost, domain.LedgerJobCredit, jobID); err != nil {
			return domain.Job{}, err
		}
		return s.scanJobTx(ctx, tx, jobID)
	})
	if sen, ok := err.(sentinel); ok {
		return domain.Job{}, sen.err
	}
	return out, err
}

// ReapStalledJobs finds running jobs whose assigned worker has been offline
// for more than grace, fails and refunds them, and returns the affected
// jobs.
func (s *Store) ReapStalledJobs(ctx context.Context, nowTime time.Time, grace time.Duration, opts SettleOptions) ([]domain.Job, error) {
	return withTx(ctx, s, func(tx *sql.Tx) ([]domain.Job, error) {
		cutoff := nowTime.Add(-grace).Format(timeLayout)
		rows, err := tx.QueryContext(ctx, `
			SELECT j.id FROM jobs j JOIN workers w ON w.id = j.assigned_worker
			WHERE j.status = ? AND w.status = ? AND w.offline_since IS NOT NULL AND w.offline_since <= ?`,
			string(domain.JobRunning), string(domain.WorkerOffline), cutoff)
		if err != nil {
			return nil, classifyTxErr(err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, classifyTxErr(err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		var settled []domain.Job
		for _, id := range ids {
			var submitterID string
			var cost int64
			if err := tx.QueryRowContext(ctx, `SELECT submitter_id, credit_cost FROM jobs WHERE id = ?`, id).Scan(&submitterID, &cost); err != nil {
				return nil, classifyTxErr(err)
			}
			finishedAt := nowTime
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, stderr=?, finished_at=? WHERE id=?`,
				string(domain.JobFailed), "worker_lost", finishedAt.Format(timeLayout), id); err != nil {
				return nil, classifyTxErr(err)
			}
			if err := adjustBalance(ctx, tx, submitterID, cost); err != nil {
				return nil, err
			}
			if err := insertLedger(ctx, tx, submitterID, cost, domain.LedgerJobCredit, id); err != nil {
				return nil, err
			}
			j, err := s.scanJobTx(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			settled = append(settled, j)
		}
		return settled, nil
	})
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	return s.scanJob(ctx, jobID)
}

// ListMyJobs returns up to limit jobs submitted by userID, most-recent
// first, starting at offset.
func (s *Store) ListMyJobs(ctx context.Context, userID string, limit, offset int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE submitter_id = ? ORDER BY submitted_at DESC LIMIT ? OFFSET ?`, userID, limitOrDefault(limit), offset)
	if err != nil {
		return nil, classifyTxErr(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classifyTxErr(err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.scanJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) scanJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect, jobID)
	return scanJobRow(row)
}

func (s *Store) scanJobTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, jobSelect, jobID)
	return scanJobRow(row)
}

const jobSelect = `SELECT id, title, submitter_id, code, requirements, cpu_cores, ram_gb, gpu_required, docker_required, timeout_seconds, tags, credit_cost, credit_reward, status, assigned_worker, stdout, stderr, artifacts, priority, submitted_at, started_at, finished_at FROM jobs WHERE id = ?`

func scanJobRow(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	var tagsJSON, assignedWorker, stdout, stderr, artifactsJSON, startedAt, finishedAt sql.NullString
	var gpuReq, dockerReq int
	var submittedAt string
	var status string
	if err := row.Scan(&j.ID, &j.Title, &j.SubmitterID, &j.Code, &j.Requirements, &j.Demands.CPUCores, &j.Demands.RAMGB, &gpuReq, &dockerReq, &j.Demands.TimeoutSeconds, &tagsJSON, &j.CreditCost, &j.CreditReward, &status, &assignedWorker, &stdout, &stderr, &artifactsJSON, &j.Priority, &submittedAt, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, errors.New(errors.CodeNotFound, "job not found")
		}
		return domain.Job{}, classifyTxErr(err)
	}
	j.Demands.GPURequired = gpuReq != 0
	j.Demands.DockerRequired = dockerReq != 0
	j.Status = domain.JobStatus(status)
	j.AssignedWorker = assignedWorker.String
	j.Result.Stdout = stdout.String
	j.Result.Stderr = stderr.String
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &j.Demands.Tags)
	}
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		_ = json.Unmarshal([]byte(artifactsJSON.String), &j.Result.Artifacts)
	}
	j.SubmittedAt, _ = time.Parse(timeLayout, submittedAt)
	if startedAt.Valid {
		j.StartedAt, _ = time.Parse(timeLayout, startedAt.String)
	}
	if finishedAt.Valid {
		j.FinishedAt, _ = time.Parse(timeLayout, finishedAt.String)
	}
	return j, nil
}

// --- shared helpers ----------------------------------------------------------

func insertLedger(ctx context.Context, tx *sql.Tx, userID string, delta int64, kind domain.LedgerKind, jobID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_transactions (id, user_id, delta, kind, job_id, at) VALUES (?,?,?,?,?,?)`,
		newID(), userID, delta, string(kind), nullable(jobID), now().Format(timeLayout))
	if err != nil {
		return classifyTxErr(err)
	}
	return nil
}

func adjustBalance(ctx context.Context, tx *sql.Tx, userID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`, delta, userID)
	if err != nil {
		return classifyTxErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyTxErr(err)
	}
	if n == 0 {
		return errors.New(errors.CodeNotFound, "user not found").WithDetails(userID)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
