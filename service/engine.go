// Package service implements the engine for composite records: the
// persisted per-service state machine, dependency-driven iteration, and
// the torsiondrive implementation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/config"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/internaljob"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// Internal job function names owned by the engine.
const (
	IterateFunction = "service_iterate"
	SweepFunction   = "service_sweep"
)

// ChildSpec is one child submission requested by an iterator. The key
// identifies the child within the service state.
type ChildSpec struct {
	Key           string
	Specification model.Specification
	Molecules     []*model.Molecule
	MoleculeIDs   []int64

	// DedupSalt keeps intentionally identical children distinct when the
	// parent shares existing records.
	DedupSalt string
}

// IterationInput is what an iterator sees on each step.
type IterationInput struct {
	RecordID      int64
	Iteration     int
	Specification model.Specification
	MoleculeIDs   []int64
	State         map[string]interface{}

	// Finished holds the children that reached a terminal status since
	// they were submitted, keyed by the child key from ChildSpec.
	Finished map[string]*ChildOutcome
}

// ChildOutcome is the terminal result of one child record.
type ChildOutcome struct {
	RecordID   int64
	Status     model.RecordStatus
	Properties map[string]interface{}
}

// IterationResult is what an iterator produces: either completion with
// final properties, or a batch of new children plus updated state.
type IterationResult struct {
	Done       bool
	Properties map[string]interface{}

	Children []ChildSpec
	State    map[string]interface{}
}

// Iterator is one service state machine implementation.
type Iterator interface {
	Type() model.RecordType
	Iterate(in *IterationInput) (*IterationResult, error)
}

// Engine drives service records through their iterations.
type Engine struct {
	db      *db.Database
	records *record.Store
	cfg     config.ServiceConfig
	log     *logrus.Entry

	iterators map[model.RecordType]Iterator
}

// NewEngine creates a service engine with the torsiondrive iterator
// registered.
func NewEngine(database *db.Database, records *record.Store, cfg config.ServiceConfig) *Engine {
	e := &Engine{
		db:        database,
		records:   records,
		cfg:       cfg,
		log:       common.Logger.WithField("component", "service_engine"),
		iterators: make(map[model.RecordType]Iterator),
	}
	e.RegisterIterator(&TorsiondriveIterator{})
	return e
}

// RegisterIterator binds an iterator to its record type.
func (e *Engine) RegisterIterator(it Iterator) {
	e.iterators[it.Type()] = it
}

func (e *Engine) fuel() int {
	if e.cfg.IterationFuel > 0 {
		return e.cfg.IterationFuel
	}
	return 5
}

// Iterate advances one service. Children that dedup against already
// finished records re-enter the loop immediately, bounded by the
// iteration fuel; when fuel runs out a fresh iteration job is enqueued
// instead of looping forever.
func (e *Engine) Iterate(ctx context.Context, recordID int64) error {
	for i := 0; i < e.fuel(); i++ {
		reenter, err := e.iterateOnce(ctx, recordID)
		if err != nil {
			return err
		}
		if !reenter {
			return nil
		}
	}

	e.log.WithField("record_id", recordID).Debug("iteration fuel exhausted, rescheduling")
	return e.db.WithTx(ctx, func(tx pgx.Tx) error {
		return record.EnqueueServiceIteration(ctx, tx, recordID)
	})
}

// iterateOnce runs one full iteration transaction. The service row lock
// serializes concurrent iterations of the same service.
func (e *Engine) iterateOnce(ctx context.Context, recordID int64) (bool, error) {
	reenter := false
	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		var serviceID int64
		var iteration int
		var state map[string]interface{}
		var findExisting bool
		var tag string
		var priority int16
		var status, recordType string
		var molIDs []int64
		var specData []byte

		err := tx.QueryRow(ctx, `
			SELECT sv.id, sv.iteration, sv.state, sv.find_existing, sv.tag, sv.priority,
			       r.status, r.record_type, r.molecule_ids, sp.data
			FROM service sv
			JOIN record r ON r.id = sv.record_id
			JOIN specification sp ON sp.id = r.specification_id
			WHERE sv.record_id = $1
			FOR UPDATE OF sv`,
			recordID).Scan(&serviceID, &iteration, &state, &findExisting, &tag, &priority,
			&status, &recordType, &molIDs, &specData)
		if err == pgx.ErrNoRows {
			return model.NotFound("service for record %d", recordID)
		}
		if err != nil {
			return fmt.Errorf("failed to load service for record %d: %w", recordID, err)
		}
		if state == nil {
			state = map[string]interface{}{}
		}

		switch model.RecordStatus(status) {
		case model.StatusWaiting, model.StatusRunning:
		default:
			// Terminal or tombstoned; a stale wake-up is a no-op.
			return nil
		}

		iterator, ok := e.iterators[model.RecordType(recordType)]
		if !ok {
			return e.failService(ctx, tx, recordID,
				fmt.Sprintf("no iterator for record type %s", recordType))
		}

		spec, err := decodeServiceSpec(model.RecordType(recordType), specData)
		if err != nil {
			return e.failService(ctx, tx, recordID, err.Error())
		}

		finished, pending, failed, err := e.collectChildren(ctx, tx, state)
		if err != nil {
			return err
		}

		if failed != nil {
			// Error propagation: one failed child fails the whole service.
			return e.failService(ctx, tx, recordID,
				fmt.Sprintf("child record %d failed", failed.RecordID))
		}
		if pending > 0 && len(finished) == 0 {
			// Woken with nothing new to process; the next dependency
			// resolution will wake us again.
			return nil
		}

		if iteration == 0 {
			if _, err := record.AppendHistoryTx(ctx, tx, recordID, model.StatusRunning, nil, nil); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE record SET status = 'running', modified_on = now()
				WHERE id = $1 AND status = 'waiting'`, recordID); err != nil {
				return fmt.Errorf("failed to start service record %d: %w", recordID, err)
			}
		}

		result, err := iterator.Iterate(&IterationInput{
			RecordID:      recordID,
			Iteration:     iteration,
			Specification: spec,
			MoleculeIDs:   molIDs,
			State:         state,
			Finished:      finished,
		})
		if err != nil {
			return e.failService(ctx, tx, recordID, err.Error())
		}

		if result.Done {
			if pending > 0 {
				return e.failService(ctx, tx, recordID,
					fmt.Sprintf("iterator finished with %d children still pending", pending))
			}
			return e.completeService(ctx, tx, recordID, result.Properties)
		}

		newState := result.State
		if newState == nil {
			newState = state
		}
		for key := range finished {
			markChildResolved(newState, key)
		}

		anyTerminal, err := e.submitChildren(ctx, tx, serviceID, recordID, tag, priority,
			findExisting, result.Children, newState)
		if err != nil {
			return err
		}
		reenter = anyTerminal

		_, err = tx.Exec(ctx, `
			UPDATE service SET iteration = $1, state = $2 WHERE id = $3`,
			iteration+1, newState, serviceID)
		if err != nil {
			return fmt.Errorf("failed to persist service state: %w", err)
		}
		return nil
	})
	return reenter, err
}

// collectChildren inspects the children recorded in the service state.
// Children live under the reserved "children" state key as
// key -> {"record_id": n, "resolved": bool}.
func (e *Engine) collectChildren(ctx context.Context, tx pgx.Tx, state map[string]interface{}) (map[string]*ChildOutcome, int, *ChildOutcome, error) {
	finished := make(map[string]*ChildOutcome)
	pending := 0

	for key, entry := range childEntries(state) {
		if entry.Resolved {
			continue
		}

		var status string
		var properties map[string]interface{}
		err := tx.QueryRow(ctx,
			`SELECT status, properties FROM record WHERE id = $1`,
			entry.RecordID).Scan(&status, &properties)
		if err == pgx.ErrNoRows {
			return nil, 0, nil, model.NotFound("child record %d", entry.RecordID)
		}
		if err != nil {
			return nil, 0, nil, fmt.Errorf("failed to check child record %d: %w", entry.RecordID, err)
		}

		outcome := &ChildOutcome{
			RecordID:   entry.RecordID,
			Status:     model.RecordStatus(status),
			Properties: properties,
		}
		switch outcome.Status {
		case model.StatusComplete:
			finished[key] = outcome
		case model.StatusError, model.StatusCancelled, model.StatusInvalid, model.StatusDeleted:
			return nil, 0, outcome, nil
		default:
			pending++
		}
	}
	return finished, pending, nil, nil
}

// submitChildren inserts the requested child records, dependency rows and
// state bookkeeping. Returns whether any child was already terminal at
// submission time, which happens when dedup matches a finished record and
// means no wake-up will ever fire for it.
func (e *Engine) submitChildren(ctx context.Context, tx pgx.Tx, serviceID, recordID int64, tag string, priority int16, findExisting bool, children []ChildSpec, state map[string]interface{}) (bool, error) {
	anyTerminal := false

	for i := range children {
		child := &children[i]
		sub := &record.Submission{
			Type:          child.Specification.Type(),
			Specification: child.Specification,
			Molecules:     child.Molecules,
			MoleculeIDs:   child.MoleculeIDs,
			Tag:           tag,
			Priority:      model.Priority(priority),
			DedupSalt:     child.DedupSalt,
		}

		childID, _, err := e.records.AddTx(ctx, tx, sub, findExisting)
		if err != nil {
			return false, fmt.Errorf("failed to submit child %s: %w", child.Key, err)
		}

		var childStatus string
		if err := tx.QueryRow(ctx,
			`SELECT status FROM record WHERE id = $1`, childID).Scan(&childStatus); err != nil {
			return false, fmt.Errorf("failed to check child %d: %w", childID, err)
		}

		if model.RecordStatus(childStatus).IsTerminal() || model.RecordStatus(childStatus) == model.StatusError {
			anyTerminal = true
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO service_dependency (service_id, child_record_id, extras)
				VALUES ($1, $2, $3)
				ON CONFLICT (service_id, child_record_id, extras) DO NOTHING`,
				serviceID, childID, child.Key)
			if err != nil {
				return false, fmt.Errorf("failed to record dependency on child %d: %w", childID, err)
			}
		}

		setChildEntry(state, child.Key, childID)
	}
	return anyTerminal, nil
}

func (e *Engine) completeService(ctx context.Context, tx pgx.Tx, recordID int64, properties map[string]interface{}) error {
	_, err := tx.Exec(ctx, `
		UPDATE record SET status = 'complete', properties = $1, modified_on = now()
		WHERE id = $2`,
		properties, recordID)
	if err != nil {
		return fmt.Errorf("failed to complete service record %d: %w", recordID, err)
	}
	if _, err := record.AppendHistoryTx(ctx, tx, recordID, model.StatusComplete, nil, nil); err != nil {
		return err
	}
	e.log.WithField("record_id", recordID).Info("service complete")
	return record.ResolveDependenciesTx(ctx, tx, recordID)
}

func (e *Engine) failService(ctx context.Context, tx pgx.Tx, recordID int64, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE record SET status = 'error', modified_on = now()
		WHERE id = $1`,
		recordID)
	if err != nil {
		return fmt.Errorf("failed to mark service record %d errored: %w", recordID, err)
	}
	if _, err := record.AppendHistoryTx(ctx, tx, recordID, model.StatusError, nil,
		map[string]interface{}{"error": reason}); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"record_id": recordID,
		"reason":    reason,
	}).Warning("service failed")
	return record.ResolveDependenciesTx(ctx, tx, recordID)
}

// Sweep enqueues iteration jobs for live services that have no pending
// children and no pending iteration job. This is a safety net for
// wake-ups lost to crashes between a child's completion and the job
// insert becoming visible.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	rows, err := e.db.Query(ctx, `
		SELECT sv.record_id FROM service sv
		JOIN record r ON r.id = sv.record_id
		WHERE r.status IN ('waiting', 'running')
		  AND NOT EXISTS (
			SELECT 1 FROM service_dependency sd WHERE sd.service_id = sv.id)`)
	if err != nil {
		return 0, fmt.Errorf("service sweep query failed: %w", err)
	}

	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan sweepable service: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("service sweep query failed: %w", err)
	}

	for _, id := range ids {
		err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
			return record.EnqueueServiceIteration(ctx, tx, id)
		})
		if err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// RegisterJobs binds the engine's handlers to the job runner and makes the
// sweep self-perpetuating.
func (e *Engine) RegisterJobs(runner *internaljob.Runner, jobs *internaljob.Store) {
	runner.Register(IterateFunction,
		func(ctx context.Context, job *model.InternalJob, progress func(int)) (map[string]interface{}, error) {
			recordID, err := kwargInt64(job.Kwargs, "record_id")
			if err != nil {
				return nil, err
			}
			if err := e.Iterate(ctx, recordID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"record_id": recordID}, nil
		})

	runner.Register(SweepFunction,
		func(ctx context.Context, job *model.InternalJob, progress func(int)) (map[string]interface{}, error) {
			// The next sweep is enqueued first so a failed sweep does not
			// break the periodic chain.
			if err := e.ScheduleSweep(ctx, jobs); err != nil {
				return nil, err
			}
			n, err := e.Sweep(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"enqueued": n}, nil
		})
}

// ScheduleSweep enqueues the next periodic sweep if one is not pending.
func (e *Engine) ScheduleSweep(ctx context.Context, jobs *internaljob.Store) error {
	freq := e.cfg.IterationFrequency
	if freq <= 0 {
		freq = time.Minute
	}
	_, err := jobs.Add(ctx, internaljob.Spec{
		Name:          SweepFunction,
		Function:      SweepFunction,
		ScheduledDate: time.Now().Add(freq),
		UniqueName:    SweepFunction,
		SerialGroup:   "service_maintenance",
	})
	return err
}

func decodeServiceSpec(recordType model.RecordType, data []byte) (model.Specification, error) {
	switch recordType {
	case model.RecordTorsiondrive:
		spec := &model.TorsiondriveSpecification{}
		if err := json.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("failed to decode torsiondrive specification: %w", err)
		}
		return spec, nil
	default:
		return nil, fmt.Errorf("record type %s is not a service", recordType)
	}
}

func kwargInt64(kwargs map[string]interface{}, key string) (int64, error) {
	v, ok := kwargs[key]
	if !ok {
		return 0, fmt.Errorf("job kwargs missing %s", key)
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("job kwarg %s has unexpected type %T", key, v)
	}
}

// childEntry is the state bookkeeping for one submitted child.
type childEntry struct {
	RecordID int64
	Resolved bool
}

// childEntries reads the "children" map from service state. State comes
// back from JSONB, so numbers arrive as float64.
func childEntries(state map[string]interface{}) map[string]childEntry {
	out := make(map[string]childEntry)
	raw, ok := state["children"].(map[string]interface{})
	if !ok {
		return out
	}
	for key, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		entry := childEntry{}
		if id, ok := m["record_id"].(float64); ok {
			entry.RecordID = int64(id)
		}
		if r, ok := m["resolved"].(bool); ok {
			entry.Resolved = r
		}
		if entry.RecordID != 0 {
			out[key] = entry
		}
	}
	return out
}

// setChildEntry records a submitted child under the "children" state key.
func setChildEntry(state map[string]interface{}, key string, recordID int64) {
	raw, ok := state["children"].(map[string]interface{})
	if !ok {
		raw = make(map[string]interface{})
		state["children"] = raw
	}
	raw[key] = map[string]interface{}{"record_id": recordID, "resolved": false}
}

// markChildResolved flags a child as consumed so later iterations do not
// reprocess its result.
func markChildResolved(state map[string]interface{}, key string) {
	raw, ok := state["children"].(map[string]interface{})
	if !ok {
		return
	}
	if m, ok := raw[key].(map[string]interface{}); ok {
		m["resolved"] = true
	}
}
