// Package logging configures the shared zerolog setup used by every binary
// in this repository.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures global zerolog state for a process, tagging every log line
// with "service" and setting the level from cfgLevel ("debug","info","warn","error").
func Init(service, cfgLevel string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfgLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.With().Str("service", service).Logger()

	if os.Getenv("ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// JobLogger returns a logger tagged with the running entity/job name, used
// by every ETL and the scheduler for the start/batch_progress/finish markers
// required by
func JobLogger(entity string) zerolog.Logger {
	return log.With().Str("entity", entity).Logger()
}
