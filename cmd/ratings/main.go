// Command ratings runs the per-consultation rating answers sync and
// con_rates aggregate recompute.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/ratings"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("ratings", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenETLPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	puller := &ratings.Puller{
		Pool:   pool,
		ERP:    odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken),
		Chat:   chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken),
		Ledger: notifyledger.NewLedger(pool),
	}

	if err := puller.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("ratings sync failed")
	}
}
