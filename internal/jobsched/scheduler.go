package jobsched

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is one puller's entry point: it must be idempotent and checkpointed
// internally.
type Job struct {
	Entity   string
	Schedule string // cron expression
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on a cron-like schedule, serializing overlapping
// invocations per entity via a Postgres advisory lock.
type Scheduler struct {
	pool *pgxpool.Pool
	cron *cron.Cron
	jobs []Job
}

func NewScheduler(pool *pgxpool.Pool) *Scheduler {
	return &Scheduler{pool: pool, cron: cron.New()}
}

// Register adds a job to the schedule.
func (s *Scheduler) Register(j Job) error {
	s.jobs = append(s.jobs, j)
	_, err := s.cron.AddFunc(j.Schedule, func() {
		s.runLocked(context.Background(), j)
	})
	return err
}

// runLocked acquires the per-entity advisory lock, runs the job if
// acquired, and always releases it on exit -- so overlapping invocations
// of the same entity cannot corrupt the checkpoint.
func (s *Scheduler) runLocked(ctx context.Context, j Job) {
	logger := log.With().Str("entity", j.Entity).Logger()

	lockKey := advisoryLockKey(j.Entity)
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire connection for advisory lock")
		return
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
		logger.Error().Err(err).Msg("failed to attempt advisory lock")
		return
	}
	if !acquired {
		logger.Warn().Msg("skipping run: another instance holds the advisory lock")
		return
	}
	defer func() {
		var released bool
		_ = conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockKey).Scan(&released)
	}()

	start := time.Now()
	logger.Info().Msg("start")

	if err := j.Run(ctx); err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("finish (error)")
		return
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("finish")
}

// RunOnce runs every registered job exactly once, concurrently. Job errors
// are logged by runLocked and not returned, so RunOnce returns nil once
// every job has finished.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		j := j
		g.Go(func() error {
			s.runLocked(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

// Start begins the cron loop. Call Stop to drain gracefully.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any running job to finish, then stops the cron loop --
// "on SIGTERM a running batch is permitted to finish; the next batch is
// not started".
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out waiting for in-flight job")
	}
}

// advisoryLockKey derives a stable int64 lock key from an entity name via
// FNV-1a, since pg_advisory_lock takes a bigint.
func advisoryLockKey(entity string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(entity); i++ {
		h ^= uint64(entity[i])
		h *= 1099511628211
	}
	return int64(h)
}
