// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	verifier   TEXT NOT NULL,
	role       TEXT NOT NULL,
	balance    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT,
	name              TEXT NOT NULL,
	cpu_cores         INTEGER NOT NULL,
	ram_gb            REAL NOT NULL,
	gpu_name          TEXT,
	docker_available  INTEGER NOT NULL,
	tags              TEXT,
	status            TEXT NOT NULL,
	last_heartbeat_at TEXT,
	offline_since     TEXT,
	jobs_completed    INTEGER NOT NULL DEFAULT 0,
	credits_earned    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(owner_id, name)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	submitter_id     TEXT NOT NULL,
	code             BLOB NOT NULL,
	requirements     TEXT,
	cpu_cores        INTEGER NOT NULL,
	ram_gb           REAL NOT NULL,
	gpu_required     INTEGER NOT NULL,
	docker_required  INTEGER NOT NULL,
	timeout_seconds  INTEGER NOT NULL,
	tags             TEXT,
	credit_cost      INTEGER NOT NULL,
	credit_reward    INTEGER NOT NULL,
	status           TEXT NOT NULL,
	assigned_worker  TEXT,
	stdout           TEXT,
	stderr           TEXT,
	artifacts        TEXT,
	priority         INTEGER NOT NULL DEFAULT 5,
	submitted_at     TEXT NOT NULL,
	started_at       TEXT,
	finished_at      TEXT
);

CREATE TABLE IF NOT EXISTS queue_entries (
	job_id    TEXT PRIMARY KEY REFERENCES jobs(id),
	priority  INTEGER NOT NULL,
	queued_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority DESC, queued_at ASC, job_id ASC);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id        TEXT PRIMARY KEY,
	user_id   TEXT NOT NULL,
	delta     INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	job_id    TEXT,
	at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_user ON credit_transactions(user_id);
`
