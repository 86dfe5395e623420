package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/compress"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// TaskResult is one returned result in a manager's batch.
type TaskResult struct {
	TaskID  int64               `json:"task_id"`
	Payload model.ResultPayload `json:"payload"`
}

// ReturnRequest carries a batch of finished results from a manager.
type ReturnRequest struct {
	ManagerName string       `json:"manager_name"`
	Results     []TaskResult `json:"results"`
}

// Return accepts finished results. Each task commits in its own short
// transaction, so one poisonous payload cannot hold locks across the
// batch or reject its siblings. A return call is also a heartbeat.
func (d *Dispatcher) Return(ctx context.Context, req ReturnRequest) (*model.TaskReturnMetadata, error) {
	meta := model.NewTaskReturnMetadata()

	var status string
	err := d.db.QueryRow(ctx, `
		UPDATE compute_manager SET modified_on = now()
		WHERE name = $1
		RETURNING status`,
		req.ManagerName).Scan(&status)
	if err == pgx.ErrNoRows {
		return nil, model.NotFound("manager %s", req.ManagerName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refresh manager %s: %w", req.ManagerName, err)
	}

	// An evicted manager's records were already recycled or reclaimed, so
	// its results are stale. Reject the batch but tell it why, so it stops
	// retrying.
	managerActive := model.ManagerStatus(status) == model.ManagerActive

	successes, failures, rejected := 0, 0, 0
	for i := range req.Results {
		res := &req.Results[i]

		if !managerActive {
			meta.AddRejected(i, model.RejectWrongManager)
			rejected++
			continue
		}

		reason, err := d.returnOne(ctx, req.ManagerName, res)
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"manager": req.ManagerName,
				"task_id": res.TaskID,
			}).Error("failed to process returned task")
			meta.AddRejected(i, model.RejectNotFound)
			rejected++
			continue
		}
		if reason != "" {
			meta.AddRejected(i, reason)
			rejected++
			continue
		}

		meta.AddAccepted(res.TaskID)
		if res.Payload.Success {
			successes++
		} else {
			failures++
		}
	}

	if successes+failures+rejected > 0 {
		err := d.db.Exec(ctx, `
			UPDATE compute_manager
			SET successes = successes + $1, failures = failures + $2, rejected = rejected + $3
			WHERE name = $4`,
			successes, failures, rejected, req.ManagerName)
		if err != nil {
			return nil, fmt.Errorf("failed to update manager counters: %w", err)
		}
	}

	return meta, nil
}

// returnOne processes one result in its own transaction. A non-empty
// reason means the result was rejected; err means a database failure.
func (d *Dispatcher) returnOne(ctx context.Context, managerName string, res *TaskResult) (string, error) {
	reason := ""
	err := d.db.WithTx(ctx, func(tx pgx.Tx) error {
		var recordID int64
		var status string
		var recordManager *string
		err := tx.QueryRow(ctx, `
			SELECT r.id, r.status, r.manager_name
			FROM task t
			JOIN record r ON r.id = t.record_id
			WHERE t.id = $1
			FOR UPDATE OF r`,
			res.TaskID).Scan(&recordID, &status, &recordManager)
		if err == pgx.ErrNoRows {
			reason = model.RejectNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up task %d: %w", res.TaskID, err)
		}

		if recordManager == nil || *recordManager != managerName {
			reason = model.RejectWrongManager
			return nil
		}
		if model.RecordStatus(status) != model.StatusRunning {
			reason = model.RejectNotRunning
			return nil
		}

		if res.Payload.Success {
			return d.completeRecord(ctx, tx, recordID, managerName, &res.Payload)
		}
		return d.failRecord(ctx, tx, recordID, managerName, &res.Payload)
	})
	return reason, err
}

// completeRecord finalizes a successful record: properties land on the
// record, outputs on a new history entry, the task row goes away, and
// parent services waiting on this record wake up. One transaction.
func (d *Dispatcher) completeRecord(ctx context.Context, tx pgx.Tx, recordID int64, managerName string, payload *model.ResultPayload) error {
	properties := extractProperties(payload)

	_, err := tx.Exec(ctx, `
		UPDATE record SET status = 'complete', properties = $1, modified_on = now()
		WHERE id = $2`,
		properties, recordID)
	if err != nil {
		return fmt.Errorf("failed to complete record %d: %w", recordID, err)
	}

	historyID, err := record.AppendHistoryTx(ctx, tx, recordID, model.StatusComplete, &managerName, payload.Provenance)
	if err != nil {
		return err
	}
	if err := writeOutputs(ctx, tx, historyID, payload); err != nil {
		return err
	}

	if err := record.DeleteTaskTx(ctx, tx, recordID); err != nil {
		return err
	}
	return record.ResolveDependenciesTx(ctx, tx, recordID)
}

// failRecord moves a record to error and removes its task row, like the
// success path. A later reset rebuilds the queue row from the tag and
// priority stored on the record; parent services wake up to observe the
// failure.
func (d *Dispatcher) failRecord(ctx context.Context, tx pgx.Tx, recordID int64, managerName string, payload *model.ResultPayload) error {
	_, err := tx.Exec(ctx, `
		UPDATE record SET status = 'error', modified_on = now()
		WHERE id = $1`,
		recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %d errored: %w", recordID, err)
	}

	historyID, err := record.AppendHistoryTx(ctx, tx, recordID, model.StatusError, &managerName, payload.Provenance)
	if err != nil {
		return err
	}
	if err := writeOutputs(ctx, tx, historyID, payload); err != nil {
		return err
	}

	if err := record.DeleteTaskTx(ctx, tx, recordID); err != nil {
		return err
	}
	return record.ResolveDependenciesTx(ctx, tx, recordID)
}

func extractProperties(payload *model.ResultPayload) map[string]interface{} {
	properties := payload.Properties
	if properties == nil {
		properties = map[string]interface{}{}
	}
	if payload.ReturnResult != nil {
		properties["return_result"] = payload.ReturnResult
	}
	if payload.FinalMolecule != nil {
		properties["final_molecule"] = payload.FinalMolecule
	}
	if len(payload.Trajectory) > 0 {
		properties["trajectory_length"] = len(payload.Trajectory)
	}
	return properties
}

// writeOutputs stores the payload's stdout, stderr and structured error as
// compressed blobs on the history entry.
func writeOutputs(ctx context.Context, tx pgx.Tx, historyID int64, payload *model.ResultPayload) error {
	if payload.Stdout != nil && *payload.Stdout != "" {
		if err := record.WriteOutputTx(ctx, tx, historyID, model.OutputStdout, []byte(*payload.Stdout), compress.TypeZstd); err != nil {
			return err
		}
	}
	if payload.Stderr != nil && *payload.Stderr != "" {
		if err := record.WriteOutputTx(ctx, tx, historyID, model.OutputStderr, []byte(*payload.Stderr), compress.TypeZstd); err != nil {
			return err
		}
	}
	if payload.Error != nil {
		blob, err := json.Marshal(payload.Error)
		if err != nil {
			return fmt.Errorf("failed to serialize compute error: %w", err)
		}
		if err := record.WriteOutputTx(ctx, tx, historyID, model.OutputError, blob, compress.TypeZstd); err != nil {
			return err
		}
	}
	return nil
}
