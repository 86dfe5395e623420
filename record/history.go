package record

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbital-hq/orbital/compress"
	"github.com/orbital-hq/orbital/model"
)

// AppendHistoryTx appends a compute history entry for a record and returns
// its id. History is ordered and append-only.
func AppendHistoryTx(ctx context.Context, tx pgx.Tx, recordID int64, status model.RecordStatus, managerName *string, provenance map[string]interface{}) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO compute_history (record_id, status, manager_name, provenance)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		recordID, string(status), managerName, provenance).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append compute history: %w", err)
	}
	return id, nil
}

// WriteOutputTx compresses and stores one output blob for a history entry.
// Each (history, kind) pair holds at most one blob.
func WriteOutputTx(ctx context.Context, tx pgx.Tx, historyID int64, kind model.OutputType, data []byte, ctype compress.Type) error {
	stored, level, err := compress.Compress(ctype, data, 0)
	if err != nil {
		return fmt.Errorf("failed to compress %s output: %w", kind, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO output_store (history_id, output_type, compression_type, compression_level, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (history_id, output_type) DO UPDATE
		SET compression_type = EXCLUDED.compression_type,
		    compression_level = EXCLUDED.compression_level,
		    data = EXCLUDED.data`,
		historyID, string(kind), string(ctype), level, stored)
	if err != nil {
		return fmt.Errorf("failed to store %s output: %w", kind, err)
	}
	return nil
}

// AppendOutput writes the compressed output of one kind for a history
// entry outside any caller-managed transaction.
func (s *Store) AppendOutput(ctx context.Context, historyID int64, kind model.OutputType, data []byte, ctype compress.Type) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return WriteOutputTx(ctx, tx, historyID, kind, data, ctype)
	})
}

// GetOutput fetches and decompresses one output blob.
func (s *Store) GetOutput(ctx context.Context, historyID int64, kind model.OutputType) ([]byte, error) {
	var ctype string
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT compression_type, data FROM output_store
		WHERE history_id = $1 AND output_type = $2`,
		historyID, string(kind)).Scan(&ctype, &data)
	if err == pgx.ErrNoRows {
		return nil, model.NotFound("output %s for history %d", kind, historyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch output: %w", err)
	}
	return compress.Decompress(compress.Type(ctype), data)
}

// DeleteTaskTx removes a record's task row. Completion of a record must
// delete its task in the same transaction that writes the terminal history
// entry.
func DeleteTaskTx(ctx context.Context, tx pgx.Tx, recordID int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM task WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("failed to delete task for record %d: %w", recordID, err)
	}
	return nil
}

// ResolveDependenciesTx removes the service dependencies waiting on a
// just-terminal child record and enqueues an iteration job for each parent
// service, in the same transaction that finalizes the child.
func ResolveDependenciesTx(ctx context.Context, tx pgx.Tx, childRecordID int64) error {
	rows, err := tx.Query(ctx, `
		DELETE FROM service_dependency sd
		USING service sv
		WHERE sd.child_record_id = $1 AND sv.id = sd.service_id
		RETURNING sv.record_id`,
		childRecordID)
	if err != nil {
		return fmt.Errorf("failed to resolve service dependencies: %w", err)
	}

	parents := make([]int64, 0, 1)
	for rows.Next() {
		var parentID int64
		if err := rows.Scan(&parentID); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan parent service: %w", err)
		}
		parents = append(parents, parentID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to resolve service dependencies: %w", err)
	}

	for _, parentID := range parents {
		if err := EnqueueServiceIteration(ctx, tx, parentID); err != nil {
			return err
		}
	}
	return nil
}
