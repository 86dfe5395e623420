// Package internaljob implements the durable background-work queue.
// Periodic maintenance, service iteration and statistics snapshots run
// through the internal_job table rather than in-process timers, so
// scheduled work survives restarts and multiple server processes
// cooperate without an external scheduler.
package internaljob

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
)

// Store provides CRUD and the claim protocol for internal jobs.
type Store struct {
	db  *db.Database
	log *logrus.Entry
}

// NewStore creates an internal job store over the given database.
func NewStore(database *db.Database) *Store {
	return &Store{
		db:  database,
		log: common.Logger.WithField("component", "internal_jobs"),
	}
}

// Spec describes a job to enqueue.
type Spec struct {
	Name     string
	Function string
	Kwargs   map[string]interface{}

	// ScheduledDate defaults to now when zero.
	ScheduledDate time.Time

	// UniqueName suppresses insertion while a waiting row with the same
	// name exists.
	UniqueName string

	// SerialGroup admits at most one running job per value.
	SerialGroup string

	AfterFunction       string
	AfterFunctionKwargs map[string]interface{}
}

// Add enqueues a job. When the spec carries a unique name and a waiting
// row with that name exists, the existing row's id is returned instead.
func (s *Store) Add(ctx context.Context, spec Spec) (int64, error) {
	var id int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = AddTx(ctx, tx, spec)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddTx enqueues a job inside a caller-managed transaction.
func AddTx(ctx context.Context, tx pgx.Tx, spec Spec) (int64, error) {
	scheduled := spec.ScheduledDate
	if scheduled.IsZero() {
		scheduled = time.Now()
	}

	var uniqueName, serialGroup *string
	if spec.UniqueName != "" {
		uniqueName = &spec.UniqueName
	}
	if spec.SerialGroup != "" {
		serialGroup = &spec.SerialGroup
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO internal_job
			(name, function, kwargs, scheduled_date, unique_name, serial_group,
			 after_function, after_function_kwargs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (unique_name) WHERE unique_name IS NOT NULL AND status = 'waiting'
		DO NOTHING
		RETURNING id`,
		spec.Name, spec.Function, spec.Kwargs, scheduled, uniqueName, serialGroup,
		spec.AfterFunction, spec.AfterFunctionKwargs).Scan(&id)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx, `
			SELECT id FROM internal_job
			WHERE unique_name = $1 AND status = 'waiting'`,
			spec.UniqueName).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue internal job %s: %w", spec.Function, err)
	}
	return id, nil
}

// Claim atomically takes the next runnable job for this runner. A job is
// runnable when it is waiting, due, and its serial group (if any) has no
// running member. Returns nil when nothing is runnable.
func (s *Store) Claim(ctx context.Context, hostname, runnerUUID string) (*model.InternalJob, error) {
	job := &model.InternalJob{}
	var status string
	err := s.db.QueryRow(ctx, `
		UPDATE internal_job
		SET status = 'running', started_date = now(), last_updated = now(),
		    runner_hostname = $1, runner_uuid = $2
		WHERE id = (
			SELECT j.id FROM internal_job j
			WHERE j.status = 'waiting' AND j.scheduled_date <= now()
			  AND (j.serial_group IS NULL OR NOT EXISTS (
				SELECT 1 FROM internal_job r
				WHERE r.serial_group = j.serial_group AND r.status = 'running'))
			ORDER BY j.scheduled_date, j.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, function, kwargs, status, scheduled_date, started_date,
		          last_updated, progress, after_function, after_function_kwargs,
		          unique_name, serial_group`,
		hostname, runnerUUID).Scan(
		&job.ID, &job.Name, &job.Function, &job.Kwargs, &status, &job.ScheduledDate,
		&job.StartedDate, &job.LastUpdated, &job.Progress, &job.AfterFunction,
		&job.AfterFunctionKwargs, &job.UniqueName, &job.SerialGroup)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim internal job: %w", err)
	}
	job.Status = model.JobStatus(status)
	job.RunnerHostname = &hostname
	job.RunnerUUID = &runnerUUID
	return job, nil
}

// Touch refreshes a running job's liveness timestamp and progress so the
// stale-job reaper leaves it alone.
func (s *Store) Touch(ctx context.Context, id int64, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	err := s.db.Exec(ctx, `
		UPDATE internal_job SET last_updated = now(), progress = $1
		WHERE id = $2 AND status = 'running'`,
		progress, id)
	if err != nil {
		return fmt.Errorf("failed to touch internal job %d: %w", id, err)
	}
	return nil
}

// Finish moves a job to its terminal status and enqueues the follow-up
// job if one is chained. Chaining does not depend on the outcome, so a
// periodic job that fails once still perpetuates itself. The transition
// and the chained insert commit together.
func (s *Store) Finish(ctx context.Context, job *model.InternalJob, result map[string]interface{}, runErr error) error {
	status := model.JobComplete
	if runErr != nil {
		status = model.JobError
		if result == nil {
			result = map[string]interface{}{}
		}
		result["error"] = runErr.Error()
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE internal_job
			SET status = $1, result = $2, ended_date = now(), last_updated = now(), progress = 100
			WHERE id = $3 AND status = 'running'`,
			string(status), result, job.ID)
		if err != nil {
			return fmt.Errorf("failed to finish internal job %d: %w", job.ID, err)
		}
		if tag.RowsAffected() == 0 {
			// The reaper recycled this job from under us. The recycled row
			// will run again; our result is discarded.
			s.log.WithField("job_id", job.ID).Warning("finished a job no longer owned by this runner")
			return nil
		}

		if job.AfterFunction != "" {
			_, err := AddTx(ctx, tx, Spec{
				Name:     job.AfterFunction,
				Function: job.AfterFunction,
				Kwargs:   job.AfterFunctionKwargs,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RecoverStale requeues running jobs whose runner has not touched them
// within staleAfter. Returns how many jobs were recycled.
func (s *Store) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE internal_job
		SET status = 'waiting', runner_hostname = NULL, runner_uuid = NULL,
		    started_date = NULL, last_updated = NULL, progress = 0
		WHERE status = 'running' AND last_updated < now() - $1::interval
		RETURNING id, function`,
		fmt.Sprintf("%f seconds", staleAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id int64
		var function string
		if err := rows.Scan(&id, &function); err != nil {
			return n, fmt.Errorf("failed to scan recovered job: %w", err)
		}
		s.log.WithFields(logrus.Fields{
			"job_id":   id,
			"function": function,
		}).Warning("recovered stale internal job")
		n++
	}
	return n, rows.Err()
}

// DeleteOld removes terminal job rows older than keep.
func (s *Store) DeleteOld(ctx context.Context, keep time.Duration) (int64, error) {
	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM internal_job
			WHERE status IN ('complete', 'error', 'cancelled')
			  AND ended_date < now() - $1::interval`,
			fmt.Sprintf("%f seconds", keep.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to delete old jobs: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, id int64) (*model.InternalJob, error) {
	job := &model.InternalJob{}
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, function, kwargs, status, scheduled_date, started_date,
		       last_updated, ended_date, runner_hostname, runner_uuid, progress,
		       result, after_function, after_function_kwargs, unique_name, serial_group
		FROM internal_job WHERE id = $1`,
		id).Scan(
		&job.ID, &job.Name, &job.Function, &job.Kwargs, &status, &job.ScheduledDate,
		&job.StartedDate, &job.LastUpdated, &job.EndedDate, &job.RunnerHostname,
		&job.RunnerUUID, &job.Progress, &job.Result, &job.AfterFunction,
		&job.AfterFunctionKwargs, &job.UniqueName, &job.SerialGroup)
	if err == pgx.ErrNoRows {
		return nil, model.NotFound("internal job %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch internal job %d: %w", id, err)
	}
	job.Status = model.JobStatus(status)
	return job, nil
}

// Cancel marks a waiting job cancelled. Running jobs are left to their
// runner.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE internal_job SET status = 'cancelled', ended_date = now()
			WHERE id = $1 AND status = 'waiting'`, id)
		if err != nil {
			return fmt.Errorf("failed to cancel internal job %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM internal_job WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check internal job %d: %w", id, err)
			}
			if !exists {
				return model.NotFound("internal job %d", id)
			}
			return model.StateConflict("internal job %d is not waiting", id)
		}
		return nil
	})
}
