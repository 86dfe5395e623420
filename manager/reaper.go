package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orbital-hq/orbital/internaljob"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// CheckHeartbeatsFunction is the internal job function name of the
// periodic heartbeat sweep.
const CheckHeartbeatsFunction = "check_manager_heartbeats"

// deadline is the eviction cutoff: a manager silent for more than
// max_missed_heartbeats full heartbeat periods is presumed dead.
func (s *Store) deadline() time.Duration {
	freq := s.cfg.HeartbeatFrequency
	if freq <= 0 {
		freq = 30 * time.Minute
	}
	missed := s.cfg.MaxMissedHeartbeats
	if missed <= 0 {
		missed = 5
	}
	return time.Duration(missed) * freq
}

// CheckHeartbeats evicts managers whose last heartbeat is older than the
// deadline, recycling their running records. Eviction and recycling commit
// together per sweep.
func (s *Store) CheckHeartbeats(ctx context.Context) (int, int, error) {
	var evicted []string
	var recycled []int64

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE compute_manager SET status = 'inactive', modified_on = now()
			WHERE status = 'active' AND modified_on < now() - $1::interval
			RETURNING name`,
			fmt.Sprintf("%f seconds", s.deadline().Seconds()))
		if err != nil {
			return fmt.Errorf("heartbeat sweep failed: %w", err)
		}

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan evicted manager: %w", err)
			}
			evicted = append(evicted, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("heartbeat sweep failed: %w", err)
		}

		recycled, err = record.ResetAssignedTx(ctx, tx, evicted)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	for _, name := range evicted {
		s.log.WithField("manager", name).Warning("evicted manager with missed heartbeats")
	}
	return len(evicted), len(recycled), nil
}

// RegisterJobs binds the heartbeat sweep to the job runner. The next sweep
// is enqueued before the work runs, so a sweep that fails does not break
// the periodic chain; the unique name keeps at most one pending sweep
// across server processes.
func (s *Store) RegisterJobs(runner *internaljob.Runner, jobs *internaljob.Store) {
	runner.Register(CheckHeartbeatsFunction,
		func(ctx context.Context, job *model.InternalJob, progress func(int)) (map[string]interface{}, error) {
			if err := s.ScheduleHeartbeatSweep(ctx, jobs); err != nil {
				return nil, err
			}
			evicted, recycled, err := s.CheckHeartbeats(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"evicted":  evicted,
				"recycled": recycled,
			}, nil
		})
}

// ScheduleHeartbeatSweep enqueues the next sweep if one is not already
// pending. Safe to call on every server start.
func (s *Store) ScheduleHeartbeatSweep(ctx context.Context, jobs *internaljob.Store) error {
	freq := s.cfg.HeartbeatFrequency
	if freq <= 0 {
		freq = 30 * time.Minute
	}
	_, err := jobs.Add(ctx, internaljob.Spec{
		Name:          CheckHeartbeatsFunction,
		Function:      CheckHeartbeatsFunction,
		ScheduledDate: time.Now().Add(freq),
		UniqueName:    CheckHeartbeatsFunction,
		SerialGroup:   "manager_maintenance",
	})
	return err
}
