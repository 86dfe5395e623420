//go:build integration

package service_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbital-hq/orbital/config"
	containertest "github.com/orbital-hq/orbital/containers/testing"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
	"github.com/orbital-hq/orbital/service"
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

// butaneScan is a one-dimensional 90 degree torsion scan: a four-point
// grid, so the full run visits positions 0 through 3.
func butaneScan() record.Submission {
	return record.Submission{
		Type: model.RecordTorsiondrive,
		Specification: &model.TorsiondriveSpecification{
			Program: "torsiondrive",
			OptimizationSpecification: model.OptimizationSpecification{
				Program: "geometric",
				QCSpecification: model.QCSpecification{
					Program: "psi4", Driver: "gradient", Method: "hf", Basis: "sto-3g",
				},
			},
			Dihedrals:   [][4]int{{0, 1, 2, 3}},
			GridSpacing: []int{90},
		},
		Molecules: []*model.Molecule{{
			Symbols: []string{"C", "C", "C", "C"},
			Geometry: []float64{
				0.0, 0.0, 0.0,
				1.5, 0.0, 0.0,
				2.0, 1.4, 0.0,
				3.5, 1.4, 0.1,
			},
			MolecularMultiplicity: 1,
		}},
		Priority: model.PriorityNormal,
	}
}

// waitingChildren lists waiting optimization records, oldest first.
func waitingChildren(t *testing.T, ctx context.Context, database *db.Database) []int64 {
	t.Helper()
	rows, err := database.Query(ctx, `
		SELECT id FROM record
		WHERE record_type = 'optimization' AND status = 'waiting'
		ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

// completeChild finalizes a child the way a returned result would: record
// complete with properties, history appended, task removed, and waiting
// parents woken.
func completeChild(t *testing.T, ctx context.Context, database *db.Database, childID int64, energy float64) {
	t.Helper()
	err := database.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE record SET status = 'complete', properties = $1, modified_on = now()
			WHERE id = $2`,
			map[string]interface{}{"return_result": energy}, childID)
		if err != nil {
			return err
		}
		if _, err := record.AppendHistoryTx(ctx, tx, childID, model.StatusComplete, nil, nil); err != nil {
			return err
		}
		if err := record.DeleteTaskTx(ctx, tx, childID); err != nil {
			return err
		}
		return record.ResolveDependenciesTx(ctx, tx, childID)
	})
	require.NoError(t, err)
}

func TestTorsiondriveServiceIntegration(t *testing.T) {
	ctx, database := setupDatabase(t)
	records := record.NewStore(database)
	engine := service.NewEngine(database, records, config.ServiceConfig{IterationFuel: 5})

	meta, ids, err := records.Add(ctx, []record.Submission{butaneScan()}, true)
	require.NoError(t, err)
	require.True(t, meta.Success())
	parent := ids[0]

	// Submission enqueues the first iteration job.
	var pendingIterations int
	require.NoError(t, database.QueryRow(ctx, `
		SELECT count(*) FROM internal_job
		WHERE function = 'service_iterate' AND status = 'waiting'`).Scan(&pendingIterations))
	assert.Equal(t, 1, pendingIterations)

	// Iteration 0 seeds the origin grid point with one constrained
	// optimization and moves the service to running.
	require.NoError(t, engine.Iterate(ctx, parent))

	children := waitingChildren(t, ctx, database)
	require.Len(t, children, 1)

	recs, err := records.Get(ctx, []int64{parent}, record.GetOptions{Include: []string{"service"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, recs[0].Status)
	require.NotNil(t, recs[0].Service)
	assert.Equal(t, 1, recs[0].Service.Iteration)

	childRecs, err := records.Get(ctx, children, record.GetOptions{Include: []string{"task"}})
	require.NoError(t, err)
	require.NotNil(t, childRecs[0].Task)
	assert.ElementsMatch(t, []string{"geometric", "psi4"}, childRecs[0].Task.RequiredPrograms)

	// Origin done: the scan expands into its two wrap-around neighbors.
	completeChild(t, ctx, database, children[0], -76.0)
	require.NoError(t, engine.Iterate(ctx, parent))

	children = waitingChildren(t, ctx, database)
	require.Len(t, children, 2)

	completeChild(t, ctx, database, children[0], -76.1)
	completeChild(t, ctx, database, children[1], -75.9)
	require.NoError(t, engine.Iterate(ctx, parent))

	// Both neighbors share one unattempted neighbor, the far grid point.
	children = waitingChildren(t, ctx, database)
	require.Len(t, children, 1)

	completeChild(t, ctx, database, children[0], -76.3)
	require.NoError(t, engine.Iterate(ctx, parent))

	recs, err = records.Get(ctx, []int64{parent}, record.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, recs[0].Status)
	assert.Equal(t, -76.3, recs[0].Properties["minimum_energy"])
	assert.Equal(t, "2", recs[0].Properties["minimum_position"])
	energies, ok := recs[0].Properties["final_energies"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, energies, 4)

	// No live children remain, so nothing is left to wake the service.
	var deps int
	require.NoError(t, database.QueryRow(ctx,
		`SELECT count(*) FROM service_dependency`).Scan(&deps))
	assert.Zero(t, deps)
}

func TestServiceDedupAgainstFinishedChildren(t *testing.T) {
	ctx, database := setupDatabase(t)
	records := record.NewStore(database)
	engine := service.NewEngine(database, records, config.ServiceConfig{IterationFuel: 5})

	// Run a full scan first so every grid point has a completed record.
	_, ids, err := records.Add(ctx, []record.Submission{butaneScan()}, true)
	require.NoError(t, err)
	first := ids[0]

	energies := []float64{-76.0, -76.1, -75.9, -76.3}
	step := 0
	require.NoError(t, engine.Iterate(ctx, first))
	for {
		children := waitingChildren(t, ctx, database)
		if len(children) == 0 {
			break
		}
		for _, child := range children {
			completeChild(t, ctx, database, child, energies[step%len(energies)])
			step++
		}
		require.NoError(t, engine.Iterate(ctx, first))
	}

	recs, err := records.Get(ctx, []int64{first}, record.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, model.StatusComplete, recs[0].Status)
	firstMinimum := recs[0].Properties["minimum_energy"]

	// A salted second scan stays a distinct parent, and with find_existing
	// on its children all dedup against the finished records; the
	// fuel-bounded re-entry drives it to completion in a single call with
	// no new compute.
	rescan := butaneScan()
	rescan.DedupSalt = "rescan"
	_, ids, err = records.Add(ctx, []record.Submission{rescan}, true)
	require.NoError(t, err)
	second := ids[0]
	require.NotEqual(t, first, second)

	require.NoError(t, engine.Iterate(ctx, second))

	recs, err = records.Get(ctx, []int64{second}, record.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, recs[0].Status)
	assert.Equal(t, firstMinimum, recs[0].Properties["minimum_energy"])
	assert.Empty(t, waitingChildren(t, ctx, database), "no new compute was scheduled")

	// With find_existing off the flag persists on the service and the scan
	// recomputes from scratch.
	fresh := butaneScan()
	fresh.DedupSalt = "fresh"
	_, ids, err = records.Add(ctx, []record.Submission{fresh}, false)
	require.NoError(t, err)
	third := ids[0]

	var findExisting bool
	require.NoError(t, database.QueryRow(ctx,
		`SELECT find_existing FROM service WHERE record_id = $1`, third).Scan(&findExisting))
	assert.False(t, findExisting)

	require.NoError(t, engine.Iterate(ctx, third))
	assert.Len(t, waitingChildren(t, ctx, database), 1,
		"the origin point is recomputed rather than shared")
}

func TestServiceFailsWhenChildFails(t *testing.T) {
	ctx, database := setupDatabase(t)
	records := record.NewStore(database)
	engine := service.NewEngine(database, records, config.ServiceConfig{IterationFuel: 5})

	_, ids, err := records.Add(ctx, []record.Submission{butaneScan()}, true)
	require.NoError(t, err)
	parent := ids[0]

	require.NoError(t, engine.Iterate(ctx, parent))
	children := waitingChildren(t, ctx, database)
	require.Len(t, children, 1)

	// The child errors out terminally (cancelled, not resettable).
	err = database.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE record SET status = 'cancelled', modified_on = now() WHERE id = $1`, children[0])
		if err != nil {
			return err
		}
		if err := record.DeleteTaskTx(ctx, tx, children[0]); err != nil {
			return err
		}
		return record.ResolveDependenciesTx(ctx, tx, children[0])
	})
	require.NoError(t, err)

	require.NoError(t, engine.Iterate(ctx, parent))

	recs, err := records.Get(ctx, []int64{parent}, record.GetOptions{Include: []string{"compute_history"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, recs[0].Status)

	history := recs[0].ComputeHistory
	require.NotEmpty(t, history)
	assert.Equal(t, model.StatusError, history[len(history)-1].Status)
}
