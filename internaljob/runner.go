package internaljob

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/config"
	"github.com/orbital-hq/orbital/model"
)

// HandlerFunc executes one internal job. The progress callback reports
// 0-100 and refreshes the job's liveness timestamp. The returned map is
// stored as the job result.
type HandlerFunc func(ctx context.Context, job *model.InternalJob, progress func(int)) (map[string]interface{}, error)

// Runner polls the internal job table and executes claimed jobs with a
// fixed pool of workers. Each runner has a hostname+uuid identity so the
// stale reaper can tell abandoned jobs from live ones.
type Runner struct {
	store *Store
	log   *logrus.Entry

	hostname   string
	runnerUUID string

	pollInterval time.Duration
	workers      int
	staleAfter   time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner over the store using the jobs configuration.
func NewRunner(store *Store, cfg config.JobsConfig) *Runner {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	r := &Runner{
		store:        store,
		hostname:     hostname,
		runnerUUID:   uuid.NewString(),
		pollInterval: cfg.PollInterval,
		workers:      cfg.Workers,
		staleAfter:   cfg.StaleAfter,
		handlers:     make(map[string]HandlerFunc),
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 5 * time.Second
	}
	if r.workers <= 0 {
		r.workers = 2
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 2 * time.Minute
	}
	r.log = common.Logger.WithFields(logrus.Fields{
		"component":   "job_runner",
		"runner_uuid": r.runnerUUID,
	})
	return r
}

// Register binds a handler to a job function name. Claimed jobs with an
// unknown function fail with an error result.
func (r *Runner) Register(function string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[function] = handler
}

// Start launches the worker and reaper loops. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx)
	}

	r.wg.Add(1)
	go r.reaperLoop(ctx)

	r.log.WithField("workers", r.workers).Info("internal job runner started")
}

// Stop cancels the loops and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("internal job runner stopped")
}

func (r *Runner) workerLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		// Drain everything runnable before sleeping again.
		for {
			job, err := r.store.Claim(ctx, r.hostname, r.runnerUUID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.WithError(err).Error("failed to claim internal job")
				break
			}
			if job == nil {
				break
			}
			r.runOne(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runOne(ctx context.Context, job *model.InternalJob) {
	log := r.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"function": job.Function,
	})

	r.mu.RLock()
	handler, ok := r.handlers[job.Function]
	r.mu.RUnlock()
	if !ok {
		log.Error("no handler registered for internal job function")
		err := r.store.Finish(ctx, job, nil, fmt.Errorf("no handler for function %s", job.Function))
		if err != nil {
			log.WithError(err).Error("failed to record missing-handler failure")
		}
		return
	}

	// Keep the liveness timestamp fresh while the handler runs so a slow
	// but healthy job is not recycled by the reaper.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		interval := r.staleAfter / 3
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.Touch(heartbeatCtx, job.ID, job.Progress); err != nil && heartbeatCtx.Err() == nil {
					log.WithError(err).Warning("failed to refresh job liveness")
				}
			}
		}
	}()

	progress := func(pct int) {
		job.Progress = pct
		if err := r.store.Touch(ctx, job.ID, pct); err != nil && ctx.Err() == nil {
			log.WithError(err).Warning("failed to report job progress")
		}
	}

	started := time.Now()
	result, runErr := handler(ctx, job, progress)
	stopHeartbeat()
	hbWG.Wait()

	if runErr != nil {
		log.WithError(runErr).WithField("duration", time.Since(started)).Error("internal job failed")
	} else {
		log.WithField("duration", time.Since(started)).Debug("internal job complete")
	}

	// Use a fresh context for the finish write so shutdown does not lose
	// the result of a job that already ran.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.store.Finish(finishCtx, job, result, runErr); err != nil {
		log.WithError(err).Error("failed to finish internal job")
	}
}

func (r *Runner) reaperLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.RecoverStale(ctx, r.staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					r.log.WithError(err).Error("stale job recovery failed")
				}
				continue
			}
			if n > 0 {
				r.log.WithField("recovered", n).Warning("requeued stale internal jobs")
			}
		}
	}
}
