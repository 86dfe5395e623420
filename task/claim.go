// Package task implements the dispatcher: the manager-facing claim and
// return protocols over the task queue.
package task

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// Dispatcher hands tasks to managers and accepts their results.
type Dispatcher struct {
	db  *db.Database
	log *logrus.Entry
}

// NewDispatcher creates a dispatcher over the given database.
func NewDispatcher(database *db.Database) *Dispatcher {
	return &Dispatcher{
		db:  database,
		log: common.Logger.WithField("component", "dispatcher"),
	}
}

// ClaimRequest asks for up to Limit tasks for the named manager.
type ClaimRequest struct {
	ManagerName string `json:"manager_name"`
	Limit       int    `json:"limit"`
}

// Claim atomically assigns waiting tasks to an active manager. The
// manager's tag order is its preference order; within a tag, tasks hand
// out by priority descending, then oldest sort date, then id. Claimed
// records move to running with a history entry in the same transaction.
// A claim call is also a heartbeat.
func (d *Dispatcher) Claim(ctx context.Context, req ClaimRequest, maxLimit int) ([]*model.RecordTask, error) {
	limit := req.Limit
	if limit < 0 {
		limit = 0
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var claimed []*model.RecordTask

	err := d.db.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		var tags []string
		var programs map[string]string
		err := tx.QueryRow(ctx, `
			UPDATE compute_manager SET modified_on = now()
			WHERE name = $1
			RETURNING status, tags, programs`,
			req.ManagerName).Scan(&status, &tags, &programs)
		if err == pgx.ErrNoRows {
			return model.NotFound("manager %s", req.ManagerName)
		}
		if err != nil {
			return fmt.Errorf("failed to refresh manager %s: %w", req.ManagerName, err)
		}
		if model.ManagerStatus(status) != model.ManagerActive {
			return model.StateConflict("manager %s is %s", req.ManagerName, status)
		}

		if limit == 0 {
			return nil
		}

		programNames := make([]string, 0, len(programs))
		for name := range programs {
			programNames = append(programNames, name)
		}

		for _, tag := range tags {
			if len(claimed) >= limit {
				break
			}
			batch, err := d.claimForTag(ctx, tx, req.ManagerName, tag, programNames, limit-len(claimed))
			if err != nil {
				return err
			}
			claimed = append(claimed, batch...)
		}

		if len(claimed) > 0 {
			_, err = tx.Exec(ctx, `
				UPDATE compute_manager SET claimed = claimed + $1 WHERE name = $2`,
				len(claimed), req.ManagerName)
			if err != nil {
				return fmt.Errorf("failed to count claimed tasks: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		d.log.WithFields(logrus.Fields{
			"manager":   req.ManagerName,
			"n_claimed": len(claimed),
		}).Debug("claimed tasks")
	}
	return claimed, nil
}

// claimForTag takes up to n matching tasks for one manager tag. Skip
// locked rows so concurrent claimers never hand out the same task, and
// never block each other.
func (d *Dispatcher) claimForTag(ctx context.Context, tx pgx.Tx, managerName, tag string, programs []string, n int) ([]*model.RecordTask, error) {
	rows, err := tx.Query(ctx, `
		SELECT t.id, t.record_id, r.record_type, t.function, t.function_kwargs, t.required_programs
		FROM task t
		JOIN record r ON r.id = t.record_id
		WHERE r.status = 'waiting'
		  AND ($1 = '*' OR t.tag = $1)
		  AND t.required_programs <@ $2::text[]
		ORDER BY t.priority DESC, t.sort_date ASC, t.id ASC
		LIMIT $3
		FOR UPDATE OF t SKIP LOCKED`,
		tag, programs, n)
	if err != nil {
		return nil, fmt.Errorf("task selection failed for tag %s: %w", tag, err)
	}

	batch := make([]*model.RecordTask, 0, n)
	for rows.Next() {
		rt := &model.RecordTask{}
		var recordType string
		err := rows.Scan(&rt.ID, &rt.RecordID, &recordType, &rt.Function, &rt.FunctionKwargs, &rt.RequiredPrograms)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimed task: %w", err)
		}
		rt.RecordType = model.RecordType(recordType)
		batch = append(batch, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task selection failed for tag %s: %w", tag, err)
	}

	for _, rt := range batch {
		_, err := tx.Exec(ctx, `
			UPDATE record SET status = 'running', manager_name = $1, modified_on = now()
			WHERE id = $2`,
			managerName, rt.RecordID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark record %d running: %w", rt.RecordID, err)
		}
		if _, err := record.AppendHistoryTx(ctx, tx, rt.RecordID, model.StatusRunning, &managerName, nil); err != nil {
			return nil, err
		}
	}
	return batch, nil
}
