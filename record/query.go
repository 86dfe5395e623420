package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5"

	"github.com/orbital-hq/orbital/model"
)

// GetOptions controls which related collections a fetch populates.
// Include and Exclude name the optional projections: compute_history,
// task, service, outputs. Outputs implies compute_history.
type GetOptions struct {
	Include   []string
	Exclude   []string
	MissingOK bool
}

func (o *GetOptions) wants(name string) bool {
	for _, ex := range o.Exclude {
		if ex == name {
			return false
		}
	}
	for _, in := range o.Include {
		if in == name || (name == "compute_history" && in == "outputs") {
			return true
		}
	}
	return false
}

// Get fetches records by id, preserving request order. With MissingOK the
// result holds nil at missing positions; otherwise a missing id fails the
// whole fetch.
func (s *Store) Get(ctx context.Context, ids []int64, opts GetOptions) ([]*model.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.record_type, r.status, r.owner_user, r.owner_group,
		       r.manager_name, r.specification_id, sp.spec_hash, sp.data,
		       r.molecule_ids, r.extras, r.properties, r.created_on, r.modified_on
		FROM record r
		JOIN specification sp ON sp.id = r.specification_id
		WHERE r.id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	byID := make(map[int64]*model.Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[rec.ID] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	out := make([]*model.Record, len(ids))
	for i, id := range ids {
		rec, ok := byID[id]
		if !ok {
			if opts.MissingOK {
				continue
			}
			return nil, model.NotFound("record %d", id)
		}
		out[i] = rec
	}

	present := make([]int64, 0, len(byID))
	for id := range byID {
		present = append(present, id)
	}

	if opts.wants("task") {
		if err := s.attachTasks(ctx, present, byID); err != nil {
			return nil, err
		}
	}
	if opts.wants("service") {
		if err := s.attachServices(ctx, present, byID); err != nil {
			return nil, err
		}
	}
	if opts.wants("compute_history") {
		if err := s.attachHistory(ctx, present, byID, opts.wants("outputs")); err != nil {
			return nil, err
		}
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.Record, error) {
	rec := &model.Record{}
	var recordType, status string
	var specData []byte
	err := row.Scan(&rec.ID, &recordType, &status, &rec.OwnerUser, &rec.OwnerGroup,
		&rec.ManagerName, &rec.SpecificationID, &rec.SpecificationHash, &specData,
		&rec.MoleculeIDs, &rec.Extras, &rec.Properties, &rec.CreatedOn, &rec.ModifiedOn)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.RecordType = model.RecordType(recordType)
	rec.Status = model.RecordStatus(status)
	if len(specData) > 0 {
		if err := json.Unmarshal(specData, &rec.Specification); err != nil {
			return nil, fmt.Errorf("failed to decode specification for record %d: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (s *Store) attachTasks(ctx context.Context, ids []int64, byID map[int64]*model.Record) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, record_id, required_programs, tag, priority,
		       function, function_kwargs, created_on, sort_date
		FROM task WHERE record_id = ANY($1)`,
		ids)
	if err != nil {
		return fmt.Errorf("failed to fetch tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t := &model.Task{}
		var priority int16
		err := rows.Scan(&t.ID, &t.RecordID, &t.RequiredPrograms, &t.Tag, &priority,
			&t.Function, &t.FunctionKwargs, &t.CreatedOn, &t.SortDate)
		if err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		t.Priority = model.Priority(priority)
		if rec, ok := byID[t.RecordID]; ok {
			rec.Task = t
		}
	}
	return rows.Err()
}

func (s *Store) attachServices(ctx context.Context, ids []int64, byID map[int64]*model.Record) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, record_id, tag, priority, find_existing, iteration, state, created_on
		FROM service WHERE record_id = ANY($1)`,
		ids)
	if err != nil {
		return fmt.Errorf("failed to fetch services: %w", err)
	}

	serviceIDs := make([]int64, 0, len(ids))
	byServiceID := make(map[int64]*model.Service)
	for rows.Next() {
		sv := &model.Service{}
		var priority int16
		err := rows.Scan(&sv.ID, &sv.RecordID, &sv.Tag, &priority, &sv.FindExisting,
			&sv.Iteration, &sv.State, &sv.CreatedOn)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan service: %w", err)
		}
		sv.Priority = model.Priority(priority)
		if rec, ok := byID[sv.RecordID]; ok {
			rec.Service = sv
			serviceIDs = append(serviceIDs, sv.ID)
			byServiceID[sv.ID] = sv
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch services: %w", err)
	}

	if len(serviceIDs) == 0 {
		return nil
	}

	depRows, err := s.db.Query(ctx, `
		SELECT id, service_id, child_record_id, extras
		FROM service_dependency WHERE service_id = ANY($1)
		ORDER BY id`,
		serviceIDs)
	if err != nil {
		return fmt.Errorf("failed to fetch service dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var dep model.ServiceDependency
		if err := depRows.Scan(&dep.ID, &dep.ServiceID, &dep.ChildRecordID, &dep.Extras); err != nil {
			return fmt.Errorf("failed to scan service dependency: %w", err)
		}
		if sv, ok := byServiceID[dep.ServiceID]; ok {
			sv.Dependencies = append(sv.Dependencies, dep)
		}
	}
	return depRows.Err()
}

func (s *Store) attachHistory(ctx context.Context, ids []int64, byID map[int64]*model.Record, withOutputs bool) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, record_id, status, manager_name, modified_on, provenance
		FROM compute_history WHERE record_id = ANY($1)
		ORDER BY record_id, id`,
		ids)
	if err != nil {
		return fmt.Errorf("failed to fetch compute history: %w", err)
	}

	historyIDs := make([]int64, 0, len(ids))
	for rows.Next() {
		var h model.ComputeHistory
		var status string
		err := rows.Scan(&h.ID, &h.RecordID, &status, &h.ManagerName, &h.ModifiedOn, &h.Provenance)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan compute history: %w", err)
		}
		h.Status = model.RecordStatus(status)
		rec, ok := byID[h.RecordID]
		if !ok {
			continue
		}
		rec.ComputeHistory = append(rec.ComputeHistory, h)
		historyIDs = append(historyIDs, h.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to fetch compute history: %w", err)
	}

	if !withOutputs || len(historyIDs) == 0 {
		return nil
	}

	// The history slices are final now, so pointers into them are stable.
	byHistoryID := make(map[int64]*model.ComputeHistory, len(historyIDs))
	for _, rec := range byID {
		for i := range rec.ComputeHistory {
			byHistoryID[rec.ComputeHistory[i].ID] = &rec.ComputeHistory[i]
		}
	}

	outRows, err := s.db.Query(ctx, `
		SELECT id, history_id, output_type, compression_type, compression_level
		FROM output_store WHERE history_id = ANY($1)`,
		historyIDs)
	if err != nil {
		return fmt.Errorf("failed to fetch outputs: %w", err)
	}
	defer outRows.Close()

	for outRows.Next() {
		var o model.OutputStore
		var outputType string
		err := outRows.Scan(&o.ID, &o.HistoryID, &outputType, &o.CompressionType, &o.CompressionLevel)
		if err != nil {
			return fmt.Errorf("failed to scan output: %w", err)
		}
		o.OutputType = model.OutputType(outputType)
		if h, ok := byHistoryID[o.HistoryID]; ok {
			h.Outputs = append(h.Outputs, o)
		}
	}
	return outRows.Err()
}

// QueryFilter selects records by attribute. Zero-valued fields do not
// constrain. Cursor is the highest id already seen; pages walk ascending
// ids so concurrent insertions never shift earlier pages.
type QueryFilter struct {
	RecordType    []string
	Status        []string
	ManagerName   []string
	OwnerUser     []string
	CreatedAfter  *string
	CreatedBefore *string

	Cursor int64
	Limit  int
}

// QueryResult is one page of a record query.
type QueryResult struct {
	Records    []*model.Record `json:"records"`
	NextCursor int64           `json:"next_cursor"`
	More       bool            `json:"more"`
}

// Query returns one page of records matching the filter, ordered by id.
func (s *Store) Query(ctx context.Context, filter QueryFilter, maxLimit int) (*QueryResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT r.id, r.record_type, r.status, r.owner_user, r.owner_group,
		       r.manager_name, r.specification_id, sp.spec_hash, sp.data,
		       r.molecule_ids, r.extras, r.properties, r.created_on, r.modified_on
		FROM record r
		JOIN specification sp ON sp.id = r.specification_id
		WHERE r.id > $1`)

	args := []interface{}{filter.Cursor}
	addIn := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		args = append(args, values)
		fmt.Fprintf(&sb, " AND %s = ANY($%d)", column, len(args))
	}
	addIn("r.record_type", filter.RecordType)
	addIn("r.status", filter.Status)
	addIn("r.manager_name", filter.ManagerName)
	addIn("r.owner_user", filter.OwnerUser)

	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		fmt.Fprintf(&sb, " AND r.created_on >= $%d", len(args))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		fmt.Fprintf(&sb, " AND r.created_on < $%d", len(args))
	}

	// Fetch one extra row to detect whether another page exists.
	args = append(args, limit+1)
	fmt.Fprintf(&sb, " ORDER BY r.id LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}

	records := make([]*model.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record query failed: %w", err)
	}

	result := &QueryResult{Records: records}
	if len(records) > limit {
		result.Records = records[:limit]
		result.More = true
	}
	if n := len(result.Records); n > 0 {
		result.NextCursor = result.Records[n-1].ID
	}
	return result, nil
}

// ShortDescription renders a one-line summary for a record, such as
// "singlepoint energy b3lyp/def2-svp with psi4, 3 molecules, submitted
// 2 days ago".
func (s *Store) ShortDescription(ctx context.Context, id int64) (string, error) {
	var recordType string
	var specData []byte
	var nMolecules int
	var createdOn time.Time

	err := s.db.QueryRow(ctx, `
		SELECT r.record_type, sp.data, COALESCE(array_length(r.molecule_ids, 1), 0), r.created_on
		FROM record r
		JOIN specification sp ON sp.id = r.specification_id
		WHERE r.id = $1`, id).Scan(&recordType, &specData, &nMolecules, &createdOn)
	if err == pgx.ErrNoRows {
		return "", model.NotFound("record %d", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to describe record %d: %w", id, err)
	}

	spec, err := decodeSpecification(model.RecordType(recordType), specData)
	if err != nil {
		return "", err
	}

	molPart := "1 molecule"
	if nMolecules != 1 {
		molPart = fmt.Sprintf("%d molecules", nMolecules)
	}
	return fmt.Sprintf("%s, %s, submitted %s",
		spec.ShortDescription(), molPart, humanize.Time(createdOn)), nil
}
