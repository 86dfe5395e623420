//go:build integration

package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbital-hq/orbital/config"
	containertest "github.com/orbital-hq/orbital/containers/testing"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/internaljob"
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

func activateRequest(uuid string) manager.ActivateRequest {
	return manager.ActivateRequest{
		Name:     model.ManagerName{Cluster: "slurm", Hostname: "node-17", UUID: uuid},
		Tags:     []string{"*"},
		Programs: map[string]string{"psi4": "1.9"},
	}
}

func submitSinglepoint(t *testing.T, ctx context.Context, records *record.Store, stretch float64) int64 {
	t.Helper()
	meta, ids, err := records.Add(ctx, []record.Submission{{
		Type: model.RecordSinglepoint,
		Specification: &model.QCSpecification{
			Program: "psi4", Driver: "energy", Method: "hf", Basis: "sto-3g",
		},
		Molecules: []*model.Molecule{{
			Symbols: []string{"O", "H", "H"},
			Geometry: []float64{
				0.0, 0.0, -0.1294,
				0.0, -1.4941, 1.0274 + stretch,
				0.0, 1.4941, 1.0274,
			},
			MolecularMultiplicity: 1,
		}},
		Priority: model.PriorityNormal,
	}}, false)
	require.NoError(t, err)
	require.True(t, meta.Success())
	return ids[0]
}

func TestManagerLifecycleIntegration(t *testing.T) {
	ctx, database := setupDatabase(t)
	cfg := config.ManagerConfig{HeartbeatFrequency: 30 * time.Minute, MaxMissedHeartbeats: 5}
	managers := manager.NewStore(database, cfg)
	records := record.NewStore(database)
	dispatcher := task.NewDispatcher(database)

	t.Run("activation is unique per full name", func(t *testing.T) {
		m, err := managers.Activate(ctx, activateRequest("aaa111"))
		require.NoError(t, err)
		assert.Equal(t, "slurm-node-17-aaa111", m.Name)
		assert.Equal(t, model.ManagerActive, m.Status)

		_, err = managers.Activate(ctx, activateRequest("aaa111"))
		assert.ErrorIs(t, err, model.ErrStateConflict)

		bad := activateRequest("bbb222")
		bad.Tags = nil
		_, err = managers.Activate(ctx, bad)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("heartbeat update snapshots counters", func(t *testing.T) {
		m, err := managers.Activate(ctx, activateRequest("beat01"))
		require.NoError(t, err)

		err = managers.Update(ctx, m.Name, manager.UpdateRequest{
			TotalWorkerWalltime: 120.5,
			ActiveTasks:         4,
			ActiveCores:         16,
		})
		require.NoError(t, err)

		got, err := managers.Get(ctx, m.Name)
		require.NoError(t, err)
		assert.Equal(t, 4, got.ActiveTasks)
		assert.Equal(t, 120.5, got.TotalWorkerWalltime)

		var snapshots int
		err = database.QueryRow(ctx,
			`SELECT count(*) FROM manager_log WHERE manager_id = $1`, m.ID).Scan(&snapshots)
		require.NoError(t, err)
		assert.Equal(t, 1, snapshots)

		err = managers.Update(ctx, "slurm-node-17-missing", manager.UpdateRequest{})
		assert.ErrorIs(t, err, model.ErrNotFound)

		_, err = managers.Deactivate(ctx, []string{m.Name})
		require.NoError(t, err)
		err = managers.Update(ctx, m.Name, manager.UpdateRequest{})
		assert.ErrorIs(t, err, model.ErrStateConflict,
			"a rejected heartbeat tells an evicted manager to shut down")
	})

	t.Run("deactivation recycles running records", func(t *testing.T) {
		recID := submitSinglepoint(t, ctx, records, 0.0)
		m, err := managers.Activate(ctx, activateRequest("deact1"))
		require.NoError(t, err)

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: m.Name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		deactivated, err := managers.Deactivate(ctx, []string{m.Name})
		require.NoError(t, err)
		assert.Equal(t, []string{m.Name}, deactivated)

		// Already inactive, so nothing is affected the second time.
		deactivated, err = managers.Deactivate(ctx, []string{m.Name})
		require.NoError(t, err)
		assert.Empty(t, deactivated)

		got, err := managers.Get(ctx, m.Name)
		require.NoError(t, err)
		assert.Equal(t, model.ManagerInactive, got.Status)

		recs, err := records.Get(ctx, []int64{recID}, record.GetOptions{Include: []string{"task", "compute_history", "outputs"}})
		require.NoError(t, err)
		assert.Equal(t, model.StatusWaiting, recs[0].Status)
		assert.Nil(t, recs[0].ManagerName)
		require.NotNil(t, recs[0].Task)

		// Eviction leaves an error entry naming the lost manager.
		history := recs[0].ComputeHistory
		require.NotEmpty(t, history)
		last := history[len(history)-1]
		assert.Equal(t, model.StatusError, last.Status)
		require.NotNil(t, last.ManagerName)
		assert.Equal(t, m.Name, *last.ManagerName)
		require.Len(t, last.Outputs, 1)
		assert.Equal(t, model.OutputError, last.Outputs[0].OutputType)
	})

	t.Run("heartbeat sweep evicts silent managers", func(t *testing.T) {
		short := manager.NewStore(database, config.ManagerConfig{
			HeartbeatFrequency:  time.Minute,
			MaxMissedHeartbeats: 1,
		})

		recID := submitSinglepoint(t, ctx, records, 0.5)
		m, err := short.Activate(ctx, activateRequest("silent"))
		require.NoError(t, err)

		claimed, err := dispatcher.Claim(ctx, task.ClaimRequest{ManagerName: m.Name, Limit: 10}, 100)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		// Nothing is overdue yet.
		evicted, recycled, err := short.CheckHeartbeats(ctx)
		require.NoError(t, err)
		assert.Zero(t, evicted)
		assert.Zero(t, recycled)

		require.NoError(t, database.Exec(ctx,
			`UPDATE compute_manager SET modified_on = now() - interval '10 minutes' WHERE name = $1`, m.Name))

		evicted, recycled, err = short.CheckHeartbeats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, evicted)
		assert.Equal(t, 1, recycled)

		got, err := short.Get(ctx, m.Name)
		require.NoError(t, err)
		assert.Equal(t, model.ManagerInactive, got.Status)

		recs, err := records.Get(ctx, []int64{recID}, record.GetOptions{Include: []string{"compute_history"}})
		require.NoError(t, err)
		assert.Equal(t, model.StatusWaiting, recs[0].Status)

		history := recs[0].ComputeHistory
		require.NotEmpty(t, history)
		assert.Equal(t, model.StatusError, history[len(history)-1].Status)
	})

	t.Run("sweep schedules exactly one pending job", func(t *testing.T) {
		jobs := internaljob.NewStore(database)

		require.NoError(t, managers.ScheduleHeartbeatSweep(ctx, jobs))
		require.NoError(t, managers.ScheduleHeartbeatSweep(ctx, jobs))

		var pending int
		err := database.QueryRow(ctx, `
			SELECT count(*) FROM internal_job
			WHERE function = $1 AND status = 'waiting'`,
			manager.CheckHeartbeatsFunction).Scan(&pending)
		require.NoError(t, err)
		assert.Equal(t, 1, pending)
	})

	t.Run("query filters by cluster and status", func(t *testing.T) {
		req := activateRequest("qry001")
		req.Name.Cluster = "querycluster"
		_, err := managers.Activate(ctx, req)
		require.NoError(t, err)

		out, err := managers.Query(ctx, manager.QueryFilter{
			Cluster: []string{"querycluster"},
			Status:  []string{"active"},
		}, 100)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "querycluster-node-17-qry001", out[0].Name)
	})
}
