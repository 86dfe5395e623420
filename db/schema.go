package db

import (
	"context"
	"fmt"
)

// schemaStatements creates the core tables and indexes. Statements are
// idempotent so bootstrap can run on every server start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS molecule (
		id            BIGSERIAL PRIMARY KEY,
		molecule_hash TEXT NOT NULL UNIQUE,
		name          TEXT NOT NULL DEFAULT '',
		data          JSONB NOT NULL,
		created_on    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS specification (
		id          BIGSERIAL PRIMARY KEY,
		record_type TEXT NOT NULL,
		spec_hash   TEXT NOT NULL,
		data        JSONB NOT NULL,
		created_on  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (record_type, spec_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS record (
		id                   BIGSERIAL PRIMARY KEY,
		record_type          TEXT NOT NULL,
		status               TEXT NOT NULL,
		owner_user           TEXT NOT NULL DEFAULT '',
		owner_group          TEXT NOT NULL DEFAULT '',
		manager_name         TEXT,
		tag                  TEXT NOT NULL DEFAULT '*',
		priority             SMALLINT NOT NULL DEFAULT 1,
		specification_id     BIGINT NOT NULL REFERENCES specification(id),
		molecule_ids         BIGINT[] NOT NULL DEFAULT '{}',
		inputs_hash          TEXT NOT NULL,
		extras               JSONB,
		properties           JSONB,
		status_before_delete TEXT,
		created_on           TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified_on          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Dedup lookups exclude tombstoned rows so a deleted or invalid record
	// never aliases a new submission.
	`CREATE INDEX IF NOT EXISTS record_dedup_idx
		ON record (record_type, specification_id, inputs_hash)
		WHERE status NOT IN ('deleted', 'invalid')`,

	`CREATE INDEX IF NOT EXISTS record_status_idx ON record (status)`,
	`CREATE INDEX IF NOT EXISTS record_manager_idx ON record (manager_name)
		WHERE manager_name IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS task (
		id                BIGSERIAL PRIMARY KEY,
		record_id         BIGINT NOT NULL UNIQUE REFERENCES record(id) ON DELETE CASCADE,
		required_programs TEXT[] NOT NULL DEFAULT '{}',
		tag               TEXT NOT NULL DEFAULT '*',
		priority          SMALLINT NOT NULL DEFAULT 1,
		function          TEXT NOT NULL,
		function_kwargs   JSONB,
		created_on        TIMESTAMPTZ NOT NULL DEFAULT now(),
		sort_date         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Covering index for the claim ordering.
	`CREATE INDEX IF NOT EXISTS task_claim_idx
		ON task (priority DESC, sort_date ASC, id ASC, tag)`,

	`CREATE TABLE IF NOT EXISTS service (
		id            BIGSERIAL PRIMARY KEY,
		record_id     BIGINT NOT NULL UNIQUE REFERENCES record(id) ON DELETE CASCADE,
		tag           TEXT NOT NULL DEFAULT '*',
		priority      SMALLINT NOT NULL DEFAULT 1,
		find_existing BOOLEAN NOT NULL DEFAULT true,
		iteration     INT NOT NULL DEFAULT 0,
		state         JSONB,
		created_on    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS service_dependency (
		id              BIGSERIAL PRIMARY KEY,
		service_id      BIGINT NOT NULL REFERENCES service(id) ON DELETE CASCADE,
		child_record_id BIGINT NOT NULL REFERENCES record(id),
		extras          TEXT NOT NULL DEFAULT '',
		UNIQUE (service_id, child_record_id, extras)
	)`,

	`CREATE INDEX IF NOT EXISTS service_dependency_child_idx
		ON service_dependency (child_record_id)`,

	`CREATE TABLE IF NOT EXISTS compute_history (
		id           BIGSERIAL PRIMARY KEY,
		record_id    BIGINT NOT NULL REFERENCES record(id) ON DELETE CASCADE,
		status       TEXT NOT NULL,
		manager_name TEXT,
		modified_on  TIMESTAMPTZ NOT NULL DEFAULT now(),
		provenance   JSONB
	)`,

	`CREATE INDEX IF NOT EXISTS compute_history_record_idx
		ON compute_history (record_id, id)`,

	`CREATE TABLE IF NOT EXISTS output_store (
		id                BIGSERIAL PRIMARY KEY,
		history_id        BIGINT NOT NULL REFERENCES compute_history(id) ON DELETE CASCADE,
		output_type       TEXT NOT NULL,
		compression_type  TEXT NOT NULL,
		compression_level INT NOT NULL DEFAULT 0,
		data              BYTEA NOT NULL,
		UNIQUE (history_id, output_type)
	)`,

	`CREATE TABLE IF NOT EXISTS compute_manager (
		id                    BIGSERIAL PRIMARY KEY,
		name                  TEXT NOT NULL UNIQUE,
		cluster               TEXT NOT NULL,
		hostname              TEXT NOT NULL,
		username              TEXT NOT NULL DEFAULT '',
		tags                  TEXT[] NOT NULL,
		programs              JSONB NOT NULL,
		status                TEXT NOT NULL,
		manager_version       TEXT NOT NULL DEFAULT '',
		claimed               BIGINT NOT NULL DEFAULT 0,
		successes             BIGINT NOT NULL DEFAULT 0,
		failures              BIGINT NOT NULL DEFAULT 0,
		rejected              BIGINT NOT NULL DEFAULT 0,
		active_tasks          INT NOT NULL DEFAULT 0,
		active_cores          INT NOT NULL DEFAULT 0,
		active_memory         DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_worker_walltime DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_task_walltime   DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_on            TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified_on           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS compute_manager_status_idx
		ON compute_manager (status, modified_on)`,

	`CREATE TABLE IF NOT EXISTS manager_log (
		id                    BIGSERIAL PRIMARY KEY,
		manager_id            BIGINT NOT NULL REFERENCES compute_manager(id) ON DELETE CASCADE,
		timestamp             TIMESTAMPTZ NOT NULL DEFAULT now(),
		claimed               BIGINT NOT NULL DEFAULT 0,
		successes             BIGINT NOT NULL DEFAULT 0,
		failures              BIGINT NOT NULL DEFAULT 0,
		rejected              BIGINT NOT NULL DEFAULT 0,
		active_tasks          INT NOT NULL DEFAULT 0,
		active_cores          INT NOT NULL DEFAULT 0,
		active_memory         DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_worker_walltime DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_task_walltime   DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS internal_job (
		id                    BIGSERIAL PRIMARY KEY,
		name                  TEXT NOT NULL,
		function              TEXT NOT NULL,
		kwargs                JSONB,
		status                TEXT NOT NULL DEFAULT 'waiting',
		scheduled_date        TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_date          TIMESTAMPTZ,
		last_updated          TIMESTAMPTZ,
		ended_date            TIMESTAMPTZ,
		runner_hostname       TEXT,
		runner_uuid           TEXT,
		progress              INT NOT NULL DEFAULT 0,
		result                JSONB,
		after_function        TEXT NOT NULL DEFAULT '',
		after_function_kwargs JSONB,
		unique_name           TEXT,
		serial_group          TEXT
	)`,

	// Uniqueness only over pending rows. A running job does not block a
	// fresh enqueue of the same name, so a wake-up arriving mid-run is
	// never lost and periodic jobs can chain their next run.
	`CREATE UNIQUE INDEX IF NOT EXISTS internal_job_unique_name_idx
		ON internal_job (unique_name)
		WHERE unique_name IS NOT NULL AND status = 'waiting'`,

	// At most one running job per serial group.
	`CREATE UNIQUE INDEX IF NOT EXISTS internal_job_serial_group_idx
		ON internal_job (serial_group)
		WHERE serial_group IS NOT NULL AND status = 'running'`,

	`CREATE INDEX IF NOT EXISTS internal_job_claim_idx
		ON internal_job (scheduled_date) WHERE status = 'waiting'`,

	`CREATE TABLE IF NOT EXISTS user_account (
		id            BIGSERIAL PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'user',
		enabled       BOOLEAN NOT NULL DEFAULT true,
		created_on    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Bootstrap creates all core tables and indexes if they do not exist.
func (db *Database) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}
