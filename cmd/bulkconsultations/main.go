// Command bulkconsultations runs the unfiltered ERP_ALL consultation pull
// used only for operator queue-math visibility.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/bulkconsultations"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("bulkconsultations", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenETLPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	puller := &bulkconsultations.Puller{
		Pool: pool,
		ERP:  odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken),
	}

	if err := puller.Run(ctx, cfg, checkpoint.NewStore(pool)); err != nil {
		log.Fatal().Err(err).Msg("bulk consultations sync failed")
	}
}
