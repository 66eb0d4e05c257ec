// Command consultations runs the core ERP<->CHAT consultation sync once and
// exits -- intended to be invoked on a schedule by internal/jobsched or an
// external cron, rather than running as a long-lived daemon.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/changelog"
	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/consultations"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/operator"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("consultations", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenETLPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	puller := &consultations.Puller{
		Pool:            pool,
		ERP:             odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken),
		Chat:            chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken),
		Changes:         changelog.NewLog(pool),
		Ledger:          notifyledger.NewLedger(pool),
		Selector:        operator.NewSelector(pool),
		SendWaitTimeMsg: cfg.SendQueueWaitTimeMsg,
	}

	switch cfg.ETLMode {
	case "open_update":
		err = puller.RunOpenUpdate(ctx, cfg)
	default:
		err = puller.RunIncremental(ctx, cfg, checkpoint.NewStore(pool))
	}
	if err != nil {
		log.Fatal().Err(err).Msg("consultations sync failed")
		os.Exit(1)
	}
}
