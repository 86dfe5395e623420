//go:build integration

package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbital-hq/orbital/config"
	containertest "github.com/orbital-hq/orbital/containers/testing"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/manager"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
	"github.com/orbital-hq/orbital/task"
)

func setupDatabase(t *testing.T) (context.Context, *db.Database) {
	t.Helper()
	ctx := context.Background()

	connStr, cleanup, err := containertest.SetupPostgres(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	database, err := db.New(ctx, config.DatabaseConfig{URI: connStr})
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, database.Bootstrap(ctx))
	return ctx, database
}

func testMolecule(stretch float64) *model.Molecule {
	return &model.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0.0, 0.0, -0.1294,
			0.0, -1.4941, 1.0274 + stretch,
			0.0, 1.4941, 1.0274,
		},
		MolecularMultiplicity: 1,
	}
}

func submitOne(t *testing.T, ctx context.Context, store *record.Store, sub record.Submission) int64 {
	t.Helper()
	meta, ids, err := store.Add(ctx, []record.Submission{sub}, false)
	require.NoError(t, err)
	require.True(t, meta.Success())
	return ids[0]
}

func singlepoint(program string, stretch float64, tag string, priority model.Priority) record.Submission {
	return record.Submission{
		Type: model.RecordSinglepoint,
		Specification: &model.QCSpecification{
			Program: program, Driver: "energy", Method: "hf", Basis: "sto-3g",
		},
		Molecules: []*model.Molecule{testMolecule(stretch)},
		Tag:       tag,
		Priority:  priority,
	}
}

func activate(t *testing.T, ctx context.Context, managers *manager.Store, uuid string, tags []string, programs map[string]string) string {
	t.Helper()
	m, err := managers.Activate(ctx, manager.ActivateRequest{
		Name:     model.ManagerName{Cluster: "testcluster", Hostname: "node1", UUID: uuid},
		Tags:     tags,
		Programs: programs,
	})
	require.NoError(t, err)
	return m.Name
}

func strPtr(s string) *string { return &s }

func TestDispatcherIntegration(t *testing.T) {
	ctx, database := setupDatabase(t)
	records := record.NewStore(database)
	managers := manager.NewStore(database, config.ManagerConfig{})
	dispatcher := task.NewDispatcher(database)

	t.Run("claim hands out by priority and marks running", func(t *testing.T) {
		lowID := submitOne(t, ctx, records, singlepoint("psi4", 0.0, "", model.PriorityLow))
		highID := submitOne(t, ctx, records, singlepoint("psi4", 0.1, "", model.PriorityHigh))
		normalID := submitOne(t, ctx, records, singlepoint("psi4", 0.2, "", model.PriorityNormal))

		name := activate(t, ctx, managers, "prio", []string{"*"}, map[string]string{"psi4": "1.9"})

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		assert.Equal(t, highID, claimed[0].RecordID)
		assert.Equal(t, normalID, claimed[1].RecordID)
		assert.Equal(t, lowID, claimed[2].RecordID)
		assert.Equal(t, "qcengine.compute", claimed[0].Function)

		recs, err := records.Get(ctx, []int64{highID}, record.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, recs[0].Status)
		require.NotNil(t, recs[0].ManagerName)
		assert.Equal(t, name, *recs[0].ManagerName)

		m, err := managers.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(3), m.Claimed)
	})

	t.Run("claim filters by tag and advertised programs", func(t *testing.T) {
		taggedID := submitOne(t, ctx, records, singlepoint("mopac", 0.0, "special", model.PriorityNormal))
		optID := submitOne(t, ctx, records, record.Submission{
			Type: model.RecordOptimization,
			Specification: &model.OptimizationSpecification{
				Program: "geometric",
				QCSpecification: model.QCSpecification{
					Program: "mopac", Driver: "gradient", Method: "pm6",
				},
			},
			Molecules: []*model.Molecule{testMolecule(0.3)},
			Priority:  model.PriorityNormal,
		})

		// The wrong tag for the special task, and a plain tag never matches
		// the wildcard task even with every program available.
		other := activate(t, ctx, managers, "other", []string{"other"}, map[string]string{"mopac": "22", "geometric": "1.0"})
		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: other, Limit: 10}, 100)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		special := activate(t, ctx, managers, "special", []string{"special"}, map[string]string{"mopac": "22"})
		claimed, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: special, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, taggedID, claimed[0].RecordID)

		// The wildcard matches the task tag but the geometric program is
		// missing.
		wildNoGeo := activate(t, ctx, managers, "wildnogeo", []string{"*"}, map[string]string{"mopac": "22"})
		claimed, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: wildNoGeo, Limit: 10}, 100)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		wild := activate(t, ctx, managers, "wild", []string{"*"}, map[string]string{"mopac": "22", "geometric": "1.0"})
		claimed, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: wild, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, optID, claimed[0].RecordID)
		assert.ElementsMatch(t, []string{"geometric", "mopac"}, claimed[0].RequiredPrograms)
	})

	t.Run("claim requires an active manager", func(t *testing.T) {
		_, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: "nope", Limit: 1}, 100)
		assert.ErrorIs(t, err, model.ErrNotFound)

		name := activate(t, ctx, managers, "gone", []string{"*"}, map[string]string{"psi4": "1.9"})
		_, err = managers.Deactivate(ctx, []string{name})
		require.NoError(t, err)

		_, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 1}, 100)
		assert.ErrorIs(t, err, model.ErrStateConflict)
	})

	t.Run("claim refreshes the heartbeat", func(t *testing.T) {
		name := activate(t, ctx, managers, "beat", []string{"*"}, map[string]string{"psi4": "1.9"})
		require.NoError(t, database.Exec(ctx,
			`UPDATE compute_manager SET modified_on = now() - interval '1 hour' WHERE name = $1`, name))

		_, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 0}, 100)
		require.NoError(t, err)

		m, err := managers.Get(ctx, name)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), m.ModifiedOn, time.Minute)
	})

	t.Run("successful return completes the record", func(t *testing.T) {
		recID := submitOne(t, ctx, records, singlepoint("xtb", 0.0, "", model.PriorityNormal))
		name := activate(t, ctx, managers, "ret-ok", []string{"*"}, map[string]string{"xtb": "6.6"})

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		meta, err := dispatcher.Return(ctx, task.ReturnRequest{
			ManagerName: name,
			Results: []task.TaskResult{{
				TaskID: claimed[0].ID,
				Payload: model.ResultPayload{
					SchemaName:   model.SchemaOutput,
					Success:      true,
					ReturnResult: -76.026,
					Stdout:       strPtr("SCF converged"),
					Provenance:   map[string]interface{}{"creator": "xtb"},
				},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{claimed[0].ID}, meta.AcceptedIDs)
		assert.Empty(t, meta.RejectedInfo)

		recs, err := records.Get(ctx, []int64{recID}, record.GetOptions{Include: []string{"task", "outputs"}})
		require.NoError(t, err)
		assert.Equal(t, model.StatusComplete, recs[0].Status)
		assert.Equal(t, -76.026, recs[0].Properties["return_result"])
		assert.Nil(t, recs[0].Task, "completion removes the task row")

		require.NotEmpty(t, recs[0].ComputeHistory)
		last := recs[0].ComputeHistory[len(recs[0].ComputeHistory)-1]
		assert.Equal(t, model.StatusComplete, last.Status)
		require.Len(t, last.Outputs, 1)
		assert.Equal(t, model.OutputStdout, last.Outputs[0].OutputType)

		m, err := managers.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.Successes)
	})

	t.Run("failed return removes the task until reset", func(t *testing.T) {
		recID := submitOne(t, ctx, records, singlepoint("orca", 0.0, "retry", model.PriorityHigh))
		name := activate(t, ctx, managers, "ret-fail", []string{"retry"}, map[string]string{"orca": "5.0"})

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		meta, err := dispatcher.Return(ctx, task.ReturnRequest{
			ManagerName: name,
			Results: []task.TaskResult{{
				TaskID: claimed[0].ID,
				Payload: model.ResultPayload{
					SchemaName: model.SchemaOutput,
					Success:    false,
					Error:      &model.ComputeError{ErrorType: "scf_failure", ErrorMessage: "did not converge"},
				},
			}},
		})
		require.NoError(t, err)
		assert.Len(t, meta.AcceptedIDs, 1)

		recs, err := records.Get(ctx, []int64{recID}, record.GetOptions{Include: []string{"task"}})
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, recs[0].Status)
		assert.Nil(t, recs[0].Task, "failure removes the task row like completion")

		// With no queue row the errored record cannot be handed out again.
		claimed, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		assert.Empty(t, claimed)

		rmeta, err := records.Reset(ctx, []int64{recID})
		require.NoError(t, err)
		require.True(t, rmeta.Success())

		recs, err = records.Get(ctx, []int64{recID}, record.GetOptions{Include: []string{"task"}})
		require.NoError(t, err)
		require.NotNil(t, recs[0].Task, "reset rebuilds the task row")
		assert.Equal(t, "retry", recs[0].Task.Tag)
		assert.Equal(t, model.PriorityHigh, recs[0].Task.Priority)

		claimed, err = dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, recID, claimed[0].RecordID)
	})

	t.Run("return from the wrong manager is rejected", func(t *testing.T) {
		recID := submitOne(t, ctx, records, singlepoint("nwchem", 0.0, "", model.PriorityNormal))
		owner := activate(t, ctx, managers, "owner", []string{"*"}, map[string]string{"nwchem": "7.2"})
		thief := activate(t, ctx, managers, "thief", []string{"*"}, map[string]string{"dummy": "1"})

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: owner, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		meta, err := dispatcher.Return(ctx, task.ReturnRequest{
			ManagerName: thief,
			Results: []task.TaskResult{{
				TaskID:  claimed[0].ID,
				Payload: model.ResultPayload{SchemaName: model.SchemaOutput, Success: true},
			}},
		})
		require.NoError(t, err)
		require.Len(t, meta.RejectedInfo, 1)
		assert.Equal(t, model.RejectWrongManager, meta.RejectedInfo[0].Reason)

		recs, err := records.Get(ctx, []int64{recID}, record.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, recs[0].Status)
	})

	t.Run("return from an inactive manager is rejected wholesale", func(t *testing.T) {
		submitOne(t, ctx, records, singlepoint("terachem", 0.0, "", model.PriorityNormal))
		name := activate(t, ctx, managers, "evicted", []string{"*"}, map[string]string{"terachem": "1.9"})

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		_, err = managers.Deactivate(ctx, []string{name})
		require.NoError(t, err)

		meta, err := dispatcher.Return(ctx, task.ReturnRequest{
			ManagerName: name,
			Results: []task.TaskResult{{
				TaskID:  claimed[0].ID,
				Payload: model.ResultPayload{SchemaName: model.SchemaOutput, Success: true},
			}},
		})
		require.NoError(t, err)
		require.Len(t, meta.RejectedInfo, 1)
		assert.Equal(t, model.RejectWrongManager, meta.RejectedInfo[0].Reason)
	})

	t.Run("return of an unknown task is rejected", func(t *testing.T) {
		name := activate(t, ctx, managers, "unknown-task", []string{"*"}, map[string]string{"dummy": "1"})
		meta, err := dispatcher.Return(ctx, task.ReturnRequest{
			ManagerName: name,
			Results: []task.TaskResult{{
				TaskID:  999999,
				Payload: model.ResultPayload{SchemaName: model.SchemaOutput, Success: true},
			}},
		})
		require.NoError(t, err)
		require.Len(t, meta.RejectedInfo, 1)
		assert.Equal(t, model.RejectNotFound, meta.RejectedInfo[0].Reason)
	})
}
