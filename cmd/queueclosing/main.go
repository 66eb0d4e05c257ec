// Command queueclosing runs the per-operator queue-closure register sync.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/queueclosing"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("queueclosing", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenETLPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	puller := &queueclosing.Puller{
		Pool: pool,
		ERP:  odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken),
		Chat: chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken),
	}

	if err := puller.Run(ctx, cfg, checkpoint.NewStore(pool)); err != nil {
		log.Fatal().Err(err).Msg("queue-closing sync failed")
	}
}
