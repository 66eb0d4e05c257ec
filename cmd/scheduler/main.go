// Command scheduler runs every ETL puller on its own cron schedule inside
// one long-running process, serialized per-entity via Postgres advisory
// locks (internal/jobsched). This is the all-in-one deployment shape;
// each puller can also run standalone via its own cmd/<entity> binary
// for cron-per-process deployments.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/changelog"
	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/bulkconsultations"
	"github.com/conslink/consync/internal/etl/calls"
	"github.com/conslink/consync/internal/etl/consultations"
	"github.com/conslink/consync/internal/etl/queueclosing"
	"github.com/conslink/consync/internal/etl/ratings"
	"github.com/conslink/consync/internal/etl/reschedules"
	"github.com/conslink/consync/internal/etl/users"
	"github.com/conslink/consync/internal/jobsched"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/operator"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("scheduler", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenAppPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	erp := odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken)
	chat := chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken)
	changes := changelog.NewLog(pool)
	ledger := notifyledger.NewLedger(pool)
	selector := operator.NewSelector(pool)
	checkpoints := checkpoint.NewStore(pool)

	consPuller := &consultations.Puller{Pool: pool, ERP: erp, Chat: chat, Changes: changes, Ledger: ledger, Selector: selector, SendWaitTimeMsg: cfg.SendQueueWaitTimeMsg}
	bulkPuller := &bulkconsultations.Puller{Pool: pool, ERP: erp}
	callsPuller := &calls.Puller{Pool: pool, ERP: erp}
	reschedPuller := &reschedules.Puller{Pool: pool, ERP: erp, Chat: chat, Ledger: ledger}
	ratingsPuller := &ratings.Puller{Pool: pool, ERP: erp, Chat: chat, Ledger: ledger}
	queueClosingPuller := &queueclosing.Puller{Pool: pool, ERP: erp, Chat: chat}
	usersPuller := &users.Puller{Pool: pool, ERP: erp, Chat: chat}

	sched := jobsched.NewScheduler(pool)

	jobs := []jobsched.Job{
		{Entity: "consultations", Schedule: "*/2 * * * *", Run: func(ctx context.Context) error {
			return consPuller.RunIncremental(ctx, cfg, checkpoints)
		}},
		{Entity: "consultations_open_update", Schedule: "*/5 * * * *", Run: func(ctx context.Context) error {
			return consPuller.RunOpenUpdate(ctx, cfg)
		}},
		{Entity: "bulk_consultations", Schedule: "*/10 * * * *", Run: func(ctx context.Context) error {
			return bulkPuller.Run(ctx, cfg, checkpoints)
		}},
		{Entity: "calls", Schedule: "*/15 * * * *", Run: func(ctx context.Context) error {
			return callsPuller.Run(ctx, cfg, checkpoints)
		}},
		{Entity: "reschedules", Schedule: "*/5 * * * *", Run: func(ctx context.Context) error {
			return reschedPuller.Run(ctx, cfg, checkpoints)
		}},
		{Entity: "ratings", Schedule: "*/5 * * * *", Run: func(ctx context.Context) error {
			return ratingsPuller.Run(ctx, cfg)
		}},
		{Entity: "queue_closing", Schedule: "*/10 * * * *", Run: func(ctx context.Context) error {
			return queueClosingPuller.Run(ctx, cfg, checkpoints)
		}},
		{Entity: "users", Schedule: "0 * * * *", Run: func(ctx context.Context) error {
			return usersPuller.Run(ctx, cfg)
		}},
	}

	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			log.Fatal().Err(err).Str("entity", j.Entity).Msg("failed to register job")
		}
	}

	sched.Start()
	log.Info().Int("jobs", len(jobs)).Msg("scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
}
