// Command users refreshes the operator catalog (cons.users) and the
// category-skill links (cons.users_skill) from the ERP's user and
// reference-register catalogs.
package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/etl/users"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/pgdb"
)

func main() {
	cfg := config.Load()
	logging.Init("users", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenETLPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	puller := &users.Puller{
		Pool: pool,
		ERP:  odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken),
		Chat: chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken),
	}

	if err := puller.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("users sync failed")
	}
}
