// Command webhookserver runs the CHAT webhook intake/reconciler HTTP
// server: ListenAndServe in a goroutine, signal.Notify for SIGINT/SIGTERM,
// bounded Shutdown on exit.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/changelog"
	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/jobsched"
	"github.com/conslink/consync/internal/logging"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/operator"
	"github.com/conslink/consync/internal/pgdb"
	"github.com/conslink/consync/internal/webhook"
)

func main() {
	cfg := config.Load()
	logging.Init("webhookserver", cfg.LogLevel)

	ctx := context.Background()

	pool, err := pgdb.OpenAppPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	erpClient := odata.NewClient(cfg.ODataBaseURL, cfg.ODataToken)
	chatClient := chatclient.NewClient(cfg.ChatBaseURL, cfg.ChatToken)
	changes := changelog.NewLog(pool)
	ledger := notifyledger.NewLedger(pool)
	selector := operator.NewSelector(pool)

	queue := jobsched.NewWorkQueue(4, 256)

	isDevMode := os.Getenv("ENV") == "dev"
	reconciler := webhook.NewReconciler(pool, chatClient, erpClient, changes, ledger, selector, queue, cfg.ChatWebhookSecret, isDevMode, cfg.SendQueueWaitTimeMsg)

	srv := &webhook.Server{
		DB:         pool,
		Reconciler: reconciler,
		Secret:     cfg.ChatWebhookSecret,
		DevMode:    isDevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting webhook HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("webhook HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("webhook HTTP server shutdown error")
	}
	queue.Drain(shutdownCtx)
}
