// Package record implements the record store: bulk insertion with
// content-addressed deduplication, projection-aware fetches, the status
// transition operations, and the compute-history/output bookkeeping that
// the dispatcher and service engine build on.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
)

// Store provides CRUD and status transitions for records.
type Store struct {
	db  *db.Database
	log *logrus.Entry
}

// NewStore creates a record store over the given database.
func NewStore(database *db.Database) *Store {
	return &Store{
		db:  database,
		log: common.Logger.WithField("component", "record_store"),
	}
}

// Submission is one record to insert. Molecules may be supplied inline
// (upserted by hash) or as pre-existing ids; the two lists concatenate in
// order to form the record's input identity.
type Submission struct {
	Type          model.RecordType
	Specification model.Specification
	Molecules     []*model.Molecule
	MoleculeIDs   []int64

	Tag      string
	Priority model.Priority
	Extras   map[string]interface{}

	OwnerUser  string
	OwnerGroup string

	// DedupSalt is mixed into the input identity. Services use it to keep
	// intentionally identical children distinct.
	DedupSalt string
}

// Validate checks a submission before insertion.
func (sub *Submission) Validate() error {
	if sub.Specification == nil {
		return model.Validation("submission has no specification")
	}
	type validator interface{ Validate() error }
	if v, ok := sub.Specification.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if sub.Type != sub.Specification.Type() {
		return model.Validation("submission type %s does not match specification type %s",
			sub.Type, sub.Specification.Type())
	}
	if len(sub.Molecules) == 0 && len(sub.MoleculeIDs) == 0 {
		return model.Validation("submission has no input molecules")
	}
	for _, m := range sub.Molecules {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Add inserts records in bulk. For each submission the specification hash
// is computed; when findExisting is set and a live record with the same
// (record_type, specification, input identity) exists, its id is returned
// and the item is marked existing. The batch is atomic: per-item errors
// are reported in the metadata, but database failures roll back the whole
// batch.
func (s *Store) Add(ctx context.Context, subs []Submission, findExisting bool) (*model.InsertMetadata, []int64, error) {
	meta := model.NewInsertMetadata()
	ids := make([]int64, len(subs))

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range subs {
			id, existing, err := s.addOne(ctx, tx, &subs[i], findExisting)
			if err != nil {
				meta.AddError(i, err.Error())
				ids[i] = 0
				continue
			}
			ids[i] = id
			if existing {
				meta.AddExisting(i)
			} else {
				meta.AddInserted(i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("record insertion failed: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"n_inserted": meta.NInserted(),
		"n_existing": meta.NExisting(),
		"n_errors":   len(meta.Errors),
	}).Debug("added records")

	return meta, ids, nil
}

// AddTx inserts one record inside a caller-managed transaction, returning
// its id and whether an existing record was matched. The service engine
// uses this to submit children atomically with its own state update.
func (s *Store) AddTx(ctx context.Context, tx pgx.Tx, sub *Submission, findExisting bool) (int64, bool, error) {
	return s.addOne(ctx, tx, sub, findExisting)
}

func (s *Store) addOne(ctx context.Context, tx pgx.Tx, sub *Submission, findExisting bool) (int64, bool, error) {
	if err := sub.Validate(); err != nil {
		return 0, false, err
	}

	specID, _, err := s.upsertSpecification(ctx, tx, sub.Specification)
	if err != nil {
		return 0, false, err
	}

	molIDs, err := s.resolveMolecules(ctx, tx, sub)
	if err != nil {
		return 0, false, err
	}

	inputsHash, err := inputIdentity(molIDs, sub.DedupSalt)
	if err != nil {
		return 0, false, err
	}

	if findExisting {
		var existingID int64
		err := tx.QueryRow(ctx, `
			SELECT id FROM record
			WHERE record_type = $1 AND specification_id = $2 AND inputs_hash = $3
			  AND status NOT IN ('deleted', 'invalid')
			ORDER BY id
			LIMIT 1`,
			string(sub.Type), specID, inputsHash).Scan(&existingID)
		if err == nil {
			return existingID, true, nil
		}
		if err != pgx.ErrNoRows {
			return 0, false, fmt.Errorf("dedup lookup failed: %w", err)
		}
	}

	// Tag and priority live on the record as well as the queue row, so a
	// reset can rebuild the task after the row was deleted on failure.
	tag := normalizeTag(sub.Tag)

	var recordID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO record (record_type, status, owner_user, owner_group, tag, priority,
		                    specification_id, molecule_ids, inputs_hash, extras)
		VALUES ($1, 'waiting', $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		string(sub.Type), sub.OwnerUser, sub.OwnerGroup, tag, int16(sub.Priority),
		specID, molIDs, inputsHash, sub.Extras).Scan(&recordID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert record: %w", err)
	}

	if sub.Type == model.RecordTorsiondrive {
		if err := s.createService(ctx, tx, recordID, sub, tag, findExisting); err != nil {
			return 0, false, err
		}
	} else {
		if err := s.createTask(ctx, tx, recordID, sub, tag, molIDs); err != nil {
			return 0, false, err
		}
	}

	return recordID, false, nil
}

// normalizeTag lowercases and trims a routing tag; empty means wildcard.
func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "*"
	}
	return tag
}

// upsertSpecification inserts the canonical specification row if absent and
// returns its id. Insertion is idempotent over the canonical hash.
func (s *Store) upsertSpecification(ctx context.Context, tx pgx.Tx, spec model.Specification) (int64, string, error) {
	hash, err := spec.Hash()
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash specification: %w", err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return 0, "", fmt.Errorf("failed to serialize specification: %w", err)
	}

	recordType := string(spec.Type())

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO specification (record_type, spec_hash, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_type, spec_hash) DO NOTHING
		RETURNING id`,
		recordType, hash, data).Scan(&id)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx, `
			SELECT id FROM specification WHERE record_type = $1 AND spec_hash = $2`,
			recordType, hash).Scan(&id)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to upsert specification: %w", err)
	}
	return id, hash, nil
}

// resolveMolecules upserts inline molecules by hash and returns the full
// ordered id list forming the record's input identity.
func (s *Store) resolveMolecules(ctx context.Context, tx pgx.Tx, sub *Submission) ([]int64, error) {
	ids := make([]int64, 0, len(sub.Molecules)+len(sub.MoleculeIDs))

	for _, mol := range sub.Molecules {
		if mol.MoleculeHash == "" {
			if err := mol.ComputeHash(); err != nil {
				return nil, err
			}
		}

		data, err := json.Marshal(mol)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize molecule: %w", err)
		}

		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO molecule (molecule_hash, name, data)
			VALUES ($1, $2, $3)
			ON CONFLICT (molecule_hash) DO NOTHING
			RETURNING id`,
			mol.MoleculeHash, mol.Name, data).Scan(&id)
		if err == pgx.ErrNoRows {
			err = tx.QueryRow(ctx,
				`SELECT id FROM molecule WHERE molecule_hash = $1`,
				mol.MoleculeHash).Scan(&id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upsert molecule: %w", err)
		}
		mol.ID = id
		ids = append(ids, id)
	}

	for _, id := range sub.MoleculeIDs {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM molecule WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check molecule %d: %w", id, err)
		}
		if !exists {
			return nil, model.NotFound("molecule %d", id)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// inputIdentity derives the dedup key for a record's inputs: the ordered
// molecule id sequence plus any type-specific salt.
func inputIdentity(moleculeIDs []int64, salt string) (string, error) {
	fields := map[string]interface{}{"molecule_ids": moleculeIDs}
	if salt != "" {
		fields["salt"] = salt
	}
	h, err := model.CanonicalHash(fields)
	if err != nil {
		return "", fmt.Errorf("failed to hash record inputs: %w", err)
	}
	return h, nil
}

// createTask inserts the queue row for an atomic record.
func (s *Store) createTask(ctx context.Context, tx pgx.Tx, recordID int64, sub *Submission, tag string, molIDs []int64) error {
	function, kwargs, programs, err := buildTaskFunction(sub.Specification, molIDs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task (record_id, required_programs, tag, priority, function, function_kwargs)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		recordID, programs, tag, int16(sub.Priority), function, kwargs)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// createService inserts the service scaffolding row for a composite record
// and enqueues its first iteration. The submission's dedup flag carries
// over to child submissions.
func (s *Store) createService(ctx context.Context, tx pgx.Tx, recordID int64, sub *Submission, tag string, findExisting bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO service (record_id, tag, priority, find_existing, state)
		VALUES ($1, $2, $3, $4, '{}')`,
		recordID, tag, int16(sub.Priority), findExisting)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if err := EnqueueServiceIteration(ctx, tx, recordID); err != nil {
		return err
	}
	return nil
}

// EnqueueServiceIteration inserts a targeted iteration job for a service
// record. The unique name keeps at most one pending iteration per service.
func EnqueueServiceIteration(ctx context.Context, tx pgx.Tx, recordID int64) error {
	uniqueName := fmt.Sprintf("service_iterate_%d", recordID)
	_, err := tx.Exec(ctx, `
		INSERT INTO internal_job (name, function, kwargs, unique_name)
		VALUES ($1, 'service_iterate', $2, $1)
		ON CONFLICT (unique_name) WHERE unique_name IS NOT NULL AND status = 'waiting'
		DO NOTHING`,
		uniqueName, map[string]interface{}{"record_id": recordID})
	if err != nil {
		return fmt.Errorf("failed to enqueue service iteration: %w", err)
	}
	return nil
}

// decodeSpecification deserializes a stored specification row back into
// its typed form.
func decodeSpecification(recordType model.RecordType, data []byte) (model.Specification, error) {
	var spec model.Specification
	switch recordType {
	case model.RecordSinglepoint:
		spec = &model.QCSpecification{}
	case model.RecordOptimization:
		spec = &model.OptimizationSpecification{}
	case model.RecordTorsiondrive:
		spec = &model.TorsiondriveSpecification{}
	default:
		return nil, model.Validation("unknown record type %s", recordType)
	}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to decode %s specification: %w", recordType, err)
	}
	return spec, nil
}

// buildTaskFunction derives what the external worker must run for an
// atomic record.
func buildTaskFunction(spec model.Specification, molIDs []int64) (string, map[string]interface{}, []string, error) {
	switch sp := spec.(type) {
	case *model.QCSpecification:
		kwargs := map[string]interface{}{
			"specification": sp,
			"molecule_ids":  molIDs,
		}
		return "qcengine.compute", kwargs, []string{sp.Program}, nil
	case *model.OptimizationSpecification:
		kwargs := map[string]interface{}{
			"specification": sp,
			"molecule_ids":  molIDs,
		}
		programs := []string{sp.Program}
		if sp.QCSpecification.Program != sp.Program {
			programs = append(programs, sp.QCSpecification.Program)
		}
		return "qcengine.compute_procedure", kwargs, programs, nil
	default:
		return "", nil, nil, model.Validation("record type %s has no task form", spec.Type())
	}
}
