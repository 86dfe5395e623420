//go:build integration

package internaljob_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbital-hq/orbital/config"
	containertest "github.com/orbital-hq/orbital/containers/testing"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/internaljob"
	"github.com/orbital-hq/orbital/model"
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

// drainJobs empties the queue so a subtest can assert on exactly the jobs
// it enqueued.
func drainJobs(t *testing.T, ctx context.Context, jobs *internaljob.Store) {
	t.Helper()
	for {
		job, err := jobs.Claim(ctx, "drain-host", "drain-uuid")
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, jobs.Finish(ctx, job, nil, nil))
	}
}

func past() time.Time { return time.Now().Add(-time.Minute) }

func TestInternalJobIntegration(t *testing.T) {
	ctx, database := setupDatabase(t)
	jobs := internaljob.NewStore(database)

	t.Run("claim and finish", func(t *testing.T) {
		id, err := jobs.Add(ctx, internaljob.Spec{
			Name:          "refresh stats",
			Function:      "update_statistics",
			Kwargs:        map[string]interface{}{"window": "1h"},
			ScheduledDate: past(),
		})
		require.NoError(t, err)

		job, err := jobs.Claim(ctx, "host-a", "uuid-a")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, "update_statistics", job.Function)
		assert.Equal(t, model.JobRunning, job.Status)

		none, err := jobs.Claim(ctx, "host-b", "uuid-b")
		require.NoError(t, err)
		assert.Nil(t, none, "a running job is not claimable")

		require.NoError(t, jobs.Finish(ctx, job, map[string]interface{}{"rows": 12}, nil))

		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobComplete, got.Status)
		assert.Equal(t, float64(12), got.Result["rows"])
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("failed jobs carry the error", func(t *testing.T) {
		id, err := jobs.Add(ctx, internaljob.Spec{
			Name: "doomed", Function: "doomed", ScheduledDate: past(),
		})
		require.NoError(t, err)

		job, err := jobs.Claim(ctx, "host-a", "uuid-a")
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, jobs.Finish(ctx, job, nil, errors.New("disk full")))

		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobError, got.Status)
		assert.Equal(t, "disk full", got.Result["error"])
	})

	t.Run("claims follow scheduled order", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		later, err := jobs.Add(ctx, internaljob.Spec{
			Name: "later", Function: "noop", ScheduledDate: time.Now().Add(-time.Minute),
		})
		require.NoError(t, err)
		earlier, err := jobs.Add(ctx, internaljob.Spec{
			Name: "earlier", Function: "noop", ScheduledDate: time.Now().Add(-2 * time.Minute),
		})
		require.NoError(t, err)
		_, err = jobs.Add(ctx, internaljob.Spec{
			Name: "future", Function: "noop", ScheduledDate: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		first, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, earlier, first.ID)

		second, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, later, second.ID)

		third, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		assert.Nil(t, third, "future jobs are not due")
	})

	t.Run("unique name blocks waiting duplicates only", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		id1, err := jobs.Add(ctx, internaljob.Spec{
			Name: "sweep", Function: "sweep", UniqueName: "sweep", ScheduledDate: past(),
		})
		require.NoError(t, err)

		id2, err := jobs.Add(ctx, internaljob.Spec{
			Name: "sweep", Function: "sweep", UniqueName: "sweep", ScheduledDate: past(),
		})
		require.NoError(t, err)
		assert.Equal(t, id1, id2, "a pending duplicate folds into the waiting row")

		job, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, id1, job.ID)

		// A running job must not suppress its own re-enqueue, or periodic
		// jobs could never chain their next run.
		id3, err := jobs.Add(ctx, internaljob.Spec{
			Name: "sweep", Function: "sweep", UniqueName: "sweep", ScheduledDate: past(),
		})
		require.NoError(t, err)
		assert.NotEqual(t, id1, id3)

		require.NoError(t, jobs.Finish(ctx, job, nil, nil))
	})

	t.Run("serial group admits one running member", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		a, err := jobs.Add(ctx, internaljob.Spec{
			Name: "a", Function: "noop", SerialGroup: "maintenance", ScheduledDate: time.Now().Add(-2 * time.Minute),
		})
		require.NoError(t, err)
		b, err := jobs.Add(ctx, internaljob.Spec{
			Name: "b", Function: "noop", SerialGroup: "maintenance", ScheduledDate: past(),
		})
		require.NoError(t, err)

		first, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, a, first.ID)

		blocked, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		assert.Nil(t, blocked, "the group already has a running member")

		require.NoError(t, jobs.Finish(ctx, first, nil, nil))

		second, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, b, second.ID)
		require.NoError(t, jobs.Finish(ctx, second, nil, nil))
	})

	t.Run("after function chains regardless of outcome", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		_, err := jobs.Add(ctx, internaljob.Spec{
			Name:                "primary",
			Function:            "primary",
			ScheduledDate:       past(),
			AfterFunction:       "followup",
			AfterFunctionKwargs: map[string]interface{}{"source": "primary"},
		})
		require.NoError(t, err)

		job, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, jobs.Finish(ctx, job, nil, nil))

		chained, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, chained, "success enqueues the follow-up")
		assert.Equal(t, "followup", chained.Function)
		assert.Equal(t, "primary", chained.Kwargs["source"])
		require.NoError(t, jobs.Finish(ctx, chained, nil, nil))

		// A transient failure must not sever a periodic chain.
		failedID, err := jobs.Add(ctx, internaljob.Spec{
			Name:          "flaky",
			Function:      "flaky",
			ScheduledDate: past(),
			AfterFunction: "flaky_followup",
		})
		require.NoError(t, err)

		job, err = jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, failedID, job.ID)
		require.NoError(t, jobs.Finish(ctx, job, nil, errors.New("backend unavailable")))

		got, err := jobs.Get(ctx, failedID)
		require.NoError(t, err)
		assert.Equal(t, model.JobError, got.Status)

		chained, err = jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, chained, "failure still enqueues the follow-up")
		assert.Equal(t, "flaky_followup", chained.Function)
		require.NoError(t, jobs.Finish(ctx, chained, nil, nil))
	})

	t.Run("stale jobs are recovered and stolen finishes discarded", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		id, err := jobs.Add(ctx, internaljob.Spec{
			Name: "stuck", Function: "stuck", ScheduledDate: past(),
		})
		require.NoError(t, err)

		job, err := jobs.Claim(ctx, "dead-host", "dead-uuid")
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, database.Exec(ctx,
			`UPDATE internal_job SET last_updated = now() - interval '1 hour' WHERE id = $1`, id))

		n, err := jobs.RecoverStale(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobWaiting, got.Status)

		// The dead runner coming back to report its result finds the job no
		// longer running under it; the report is dropped without error.
		require.NoError(t, jobs.Finish(ctx, job, map[string]interface{}{"late": true}, nil))
		got, err = jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobWaiting, got.Status)

		reclaimed, err := jobs.Claim(ctx, "live-host", "live-uuid")
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, id, reclaimed.ID)
		require.NoError(t, jobs.Finish(ctx, reclaimed, nil, nil))
	})

	t.Run("touch refreshes liveness", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		id, err := jobs.Add(ctx, internaljob.Spec{
			Name: "long", Function: "long", ScheduledDate: past(),
		})
		require.NoError(t, err)

		job, err := jobs.Claim(ctx, "h", "u")
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, jobs.Touch(ctx, id, 40))
		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 40, got.Progress)

		n, err := jobs.RecoverStale(ctx, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, n, "a touched job is not stale")
		require.NoError(t, jobs.Finish(ctx, job, nil, nil))
	})

	t.Run("cancel applies to waiting jobs only", func(t *testing.T) {
		drainJobs(t, ctx, jobs)

		id, err := jobs.Add(ctx, internaljob.Spec{
			Name: "cancelme", Function: "cancelme", ScheduledDate: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		require.NoError(t, jobs.Cancel(ctx, id))
		got, err := jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobCancelled, got.Status)

		assert.ErrorIs(t, jobs.Cancel(ctx, id), model.ErrStateConflict)
		assert.ErrorIs(t, jobs.Cancel(ctx, 999999), model.ErrNotFound)
	})
}
