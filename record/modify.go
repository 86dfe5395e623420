package record

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbital-hq/orbital/compress"
	"github.com/orbital-hq/orbital/model"
)

// ModifyRequest alters mutable record attributes. Status transitions are
// constrained by the status DAG; tag and priority changes are allowed only
// while the record is waiting.
type ModifyRequest struct {
	Status    *model.RecordStatus
	Tag       *string
	DeleteTag bool
	Priority  *model.Priority
}

// Modify applies the request to each record, reporting per-item outcomes.
func (s *Store) Modify(ctx context.Context, ids []int64, req ModifyRequest) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			if err := s.modifyOne(ctx, tx, id, req); err != nil {
				meta.AddError(i, err.Error())
				continue
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record modification failed: %w", err)
	}
	return meta, nil
}

func (s *Store) modifyOne(ctx context.Context, tx pgx.Tx, id int64, req ModifyRequest) error {
	var status model.RecordStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM record WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return model.NotFound("record %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock record %d: %w", id, err)
	}

	if req.Tag != nil || req.DeleteTag || req.Priority != nil {
		if status != model.StatusWaiting {
			return model.StateConflict("record %d is %s; tag and priority are mutable only while waiting", id, status)
		}
		if req.Tag != nil || req.DeleteTag {
			tag := "*"
			if req.Tag != nil {
				tag = normalizeTag(*req.Tag)
			}
			// The record carries the tag too, so a later reset rebuilds the
			// task with the modified value.
			if _, err := tx.Exec(ctx, `UPDATE record SET tag = $1, modified_on = now() WHERE id = $2`, tag, id); err != nil {
				return fmt.Errorf("failed to update record tag: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE task SET tag = $1 WHERE record_id = $2`, tag, id); err != nil {
				return fmt.Errorf("failed to update task tag: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE service SET tag = $1 WHERE record_id = $2`, tag, id); err != nil {
				return fmt.Errorf("failed to update service tag: %w", err)
			}
		}
		if req.Priority != nil {
			priority := int16(*req.Priority)
			if _, err := tx.Exec(ctx, `UPDATE record SET priority = $1, modified_on = now() WHERE id = $2`, priority, id); err != nil {
				return fmt.Errorf("failed to update record priority: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE task SET priority = $1 WHERE record_id = $2`, priority, id); err != nil {
				return fmt.Errorf("failed to update task priority: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE service SET priority = $1 WHERE record_id = $2`, priority, id); err != nil {
				return fmt.Errorf("failed to update service priority: %w", err)
			}
		}
	}

	if req.Status != nil {
		target := *req.Status
		if !model.CanTransition(status, target) {
			return model.StateConflict("record %d cannot move %s -> %s", id, status, target)
		}
		switch target {
		case model.StatusCancelled, model.StatusInvalid:
			return terminalTransition(ctx, tx, id, status, target)
		case model.StatusDeleted:
			return softDeleteOne(ctx, tx, id, status)
		default:
			return model.StateConflict("status %s is not reachable through modify", target)
		}
	}

	return nil
}

// terminalTransition moves a record to cancelled or invalid: the task row
// is removed, history is retained, and the manager link is cleared.
func terminalTransition(ctx context.Context, tx pgx.Tx, id int64, from, to model.RecordStatus) error {
	if err := DeleteTaskTx(ctx, tx, id); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE record SET status = $1, manager_name = NULL, modified_on = now()
		WHERE id = $2`,
		string(to), id)
	if err != nil {
		return fmt.Errorf("failed to mark record %d %s: %w", id, to, err)
	}
	if _, err := AppendHistoryTx(ctx, tx, id, to, nil, nil); err != nil {
		return err
	}
	return ResolveDependenciesTx(ctx, tx, id)
}

// Reset moves errored records back to waiting with a fresh task row. The
// new task's sort date is now, so retried work does not leapfrog fresh
// tasks at the same priority.
func (s *Store) Reset(ctx context.Context, ids []int64) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			if err := s.resetOne(ctx, tx, id); err != nil {
				meta.AddError(i, err.Error())
				continue
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record reset failed: %w", err)
	}
	return meta, nil
}

func (s *Store) resetOne(ctx context.Context, tx pgx.Tx, id int64) error {
	var status model.RecordStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM record WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return model.NotFound("record %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock record %d: %w", id, err)
	}

	if status != model.StatusError {
		return model.StateConflict("record %d is %s; only errored records reset", id, status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE record SET status = 'waiting', manager_name = NULL, modified_on = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to reset record %d: %w", id, err)
	}

	return s.rebuildTask(ctx, tx, id)
}

// rebuildTask recreates the queue row of a waiting record from its stored
// specification, tag and priority. Used by reset and undelete, where the
// original task row was deleted.
func (s *Store) rebuildTask(ctx context.Context, tx pgx.Tx, recordID int64) error {
	var recordType string
	var molIDs []int64
	var specData []byte
	var tag string
	var priority int16

	err := tx.QueryRow(ctx, `
		SELECT r.record_type, r.molecule_ids, sp.data, r.tag, r.priority
		FROM record r
		JOIN specification sp ON sp.id = r.specification_id
		WHERE r.id = $1`,
		recordID).Scan(&recordType, &molIDs, &specData, &tag, &priority)
	if err != nil {
		return fmt.Errorf("failed to load record %d for task rebuild: %w", recordID, err)
	}

	// Service records re-enter through the iteration job, not the queue.
	if model.RecordType(recordType) == model.RecordTorsiondrive {
		return EnqueueServiceIteration(ctx, tx, recordID)
	}

	spec, err := decodeSpecification(model.RecordType(recordType), specData)
	if err != nil {
		return err
	}

	function, kwargs, programs, err := buildTaskFunction(spec, molIDs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task (record_id, required_programs, tag, priority, function, function_kwargs, sort_date)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (record_id) DO UPDATE SET sort_date = now()`,
		recordID, programs, tag, priority, function, kwargs)
	if err != nil {
		return fmt.Errorf("failed to rebuild task for record %d: %w", recordID, err)
	}
	return nil
}

// Cancel moves non-terminal records to cancelled and removes their tasks.
// Cancelling a running record is safe: the owning manager's later return
// is rejected.
func (s *Store) Cancel(ctx context.Context, ids []int64) (*model.UpdateMetadata, error) {
	return s.terminalOp(ctx, ids, model.StatusCancelled)
}

// Invalidate marks records that can never complete. History is kept for
// audit; the task row is removed.
func (s *Store) Invalidate(ctx context.Context, ids []int64) (*model.UpdateMetadata, error) {
	return s.terminalOp(ctx, ids, model.StatusInvalid)
}

func (s *Store) terminalOp(ctx context.Context, ids []int64, target model.RecordStatus) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			var status model.RecordStatus
			err := tx.QueryRow(ctx,
				`SELECT status FROM record WHERE id = $1 FOR UPDATE`, id).Scan(&status)
			if err == pgx.ErrNoRows {
				meta.AddError(i, model.NotFound("record %d", id).Error())
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to lock record %d: %w", id, err)
			}

			if !model.CanTransition(status, target) {
				meta.AddError(i, model.StateConflict("record %d cannot move %s -> %s", id, status, target).Error())
				continue
			}

			if err := terminalTransition(ctx, tx, id, status, target); err != nil {
				meta.AddError(i, err.Error())
				continue
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record %s failed: %w", target, err)
	}
	return meta, nil
}

// SoftDelete tombstones records, remembering their prior status so
// undelete can restore it.
func (s *Store) SoftDelete(ctx context.Context, ids []int64) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			var status model.RecordStatus
			err := tx.QueryRow(ctx,
				`SELECT status FROM record WHERE id = $1 FOR UPDATE`, id).Scan(&status)
			if err == pgx.ErrNoRows {
				meta.AddError(i, model.NotFound("record %d", id).Error())
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to lock record %d: %w", id, err)
			}
			if status == model.StatusDeleted {
				meta.AddError(i, model.StateConflict("record %d is already deleted", id).Error())
				continue
			}
			if err := softDeleteOne(ctx, tx, id, status); err != nil {
				meta.AddError(i, err.Error())
				continue
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record deletion failed: %w", err)
	}
	return meta, nil
}

func softDeleteOne(ctx context.Context, tx pgx.Tx, id int64, from model.RecordStatus) error {
	if err := DeleteTaskTx(ctx, tx, id); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE record
		SET status = 'deleted', status_before_delete = $1, manager_name = NULL, modified_on = now()
		WHERE id = $2`,
		string(from), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete record %d: %w", id, err)
	}
	return nil
}

// Undelete restores soft-deleted records to their pre-deletion status. A
// restored waiting record gets a fresh task row.
func (s *Store) Undelete(ctx context.Context, ids []int64) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			var status model.RecordStatus
			var before *string
			err := tx.QueryRow(ctx,
				`SELECT status, status_before_delete FROM record WHERE id = $1 FOR UPDATE`,
				id).Scan(&status, &before)
			if err == pgx.ErrNoRows {
				meta.AddError(i, model.NotFound("record %d", id).Error())
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to lock record %d: %w", id, err)
			}
			if status != model.StatusDeleted {
				meta.AddError(i, model.StateConflict("record %d is not deleted", id).Error())
				continue
			}

			restored := model.StatusWaiting
			if before != nil && *before != "" && *before != string(model.StatusRunning) {
				restored = model.RecordStatus(*before)
			}

			_, err = tx.Exec(ctx, `
				UPDATE record
				SET status = $1, status_before_delete = NULL, modified_on = now()
				WHERE id = $2`,
				string(restored), id)
			if err != nil {
				return fmt.Errorf("failed to undelete record %d: %w", id, err)
			}

			if restored == model.StatusWaiting {
				if err := s.rebuildTask(ctx, tx, id); err != nil {
					meta.AddError(i, err.Error())
					continue
				}
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record undelete failed: %w", err)
	}
	return meta, nil
}

// HardDelete permanently removes records. With children set, child records
// referenced by the records' service dependencies are removed first unless
// another service still depends on them.
func (s *Store) HardDelete(ctx context.Context, ids []int64, children bool) (*model.UpdateMetadata, error) {
	meta := model.NewUpdateMetadata()

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, id := range ids {
			if children {
				if err := s.hardDeleteChildren(ctx, tx, id); err != nil {
					meta.AddError(i, err.Error())
					continue
				}
			}
			tag, err := tx.Exec(ctx, `DELETE FROM record WHERE id = $1`, id)
			if err != nil {
				return fmt.Errorf("failed to delete record %d: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				meta.AddError(i, model.NotFound("record %d", id).Error())
				continue
			}
			meta.AddUpdated(i)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record hard-delete failed: %w", err)
	}
	return meta, nil
}

// ResetAssignedTx recycles the running records of the named managers back
// to waiting. The task rows survive the claim, so recycling clears the
// manager link and demotes the task sort date. Each recycled record gets
// an error history entry with a synthetic message recording the eviction.
// Returns the recycled record ids.
func ResetAssignedTx(ctx context.Context, tx pgx.Tx, managerNames []string) ([]int64, error) {
	recycled := make([]int64, 0, 8)

	for _, name := range managerNames {
		rows, err := tx.Query(ctx, `
			UPDATE record
			SET status = 'waiting', manager_name = NULL, modified_on = now()
			WHERE manager_name = $1 AND status = 'running'
			RETURNING id`,
			name)
		if err != nil {
			return nil, fmt.Errorf("failed to recycle records of manager %s: %w", name, err)
		}

		ids := make([]int64, 0, 8)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan recycled record: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to recycle records of manager %s: %w", name, err)
		}

		for _, id := range ids {
			if _, err := tx.Exec(ctx,
				`UPDATE task SET sort_date = now() WHERE record_id = $1`, id); err != nil {
				return nil, fmt.Errorf("failed to demote task for record %d: %w", id, err)
			}
			historyID, err := AppendHistoryTx(ctx, tx, id, model.StatusError, &name, nil)
			if err != nil {
				return nil, err
			}
			blob, err := json.Marshal(&model.ComputeError{
				ErrorType:    "manager_eviction",
				ErrorMessage: fmt.Sprintf("manager %s deactivated while the record was running", name),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to serialize eviction error: %w", err)
			}
			if err := WriteOutputTx(ctx, tx, historyID, model.OutputError, blob, compress.TypeZstd); err != nil {
				return nil, err
			}
		}
		recycled = append(recycled, ids...)
	}
	return recycled, nil
}

func (s *Store) hardDeleteChildren(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM record
		WHERE id IN (
			SELECT sd.child_record_id
			FROM service_dependency sd
			JOIN service sv ON sv.id = sd.service_id
			WHERE sv.record_id = $1
		)
		AND NOT EXISTS (
			SELECT 1 FROM service_dependency other
			JOIN service osv ON osv.id = other.service_id
			WHERE other.child_record_id = record.id AND osv.record_id <> $1
		)`, id)
	if err != nil {
		return fmt.Errorf("failed to delete children of record %d: %w", id, err)
	}
	return nil
}
