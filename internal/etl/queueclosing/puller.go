// Package queueclosing pulls InformationRegister_ЗакрытиеОчередиНаКонсультанта
// (per-day operator queue closures). A row with Закрыт=true marks that
// operator's queue closed for one calendar day; Закрыт=false (or absent)
// reopens it. Newly-closed operators trigger a CHAT notification on every
// one of their live open/pending consultations, warning the client of an
// upcoming reassignment.
package queueclosing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/mapper"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/odata"
)

// Entity is the sync_state / OData entity name.
const Entity = "InformationRegister_ЗакрытиеОчередиНаКонсультанта"

type item struct {
	Date       string `json:"Дата"`
	ManagerKey string `json:"Менеджер_Key"`
	Closed     bool   `json:"Закрыт"`
}

type listResponse struct {
	Value []item `json:"value"`
}

// Puller applies queue-closing register rows onto cons.queue_closing.
type Puller struct {
	Pool *pgxpool.Pool
	ERP  *odata.Client
	Chat *chatclient.Client
}

// Run pages through register rows with Дата on or after the last checkpoint
// (a 1-day buffer), processing only rows whose Дата falls on the current
// calendar day -- each row governs exactly one day of queue state, so
// anything else is either already applied or not yet in effect.
func (p *Puller) Run(ctx context.Context, cfg config.Config, checkpoints *checkpoint.Store) error {
	cp, err := checkpoints.Get(ctx, Entity)
	if err != nil {
		return err
	}

	currentTime := time.Now().UTC()
	from := cfg.InitialFromDate.UTC()
	lastProcessedAt := currentTime
	if cp.LastSyncedAt != nil {
		effective := checkpoint.ClampToNow(*cp.LastSyncedAt)
		from = effective.Add(-cfg.Buffer("queue_closing"))
		if effective.Before(currentTime) {
			lastProcessedAt = effective
		}
	}
	log.Info().Time("from", from).Msg("queue-closing sync starting")

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	total := 0
	errorLogs := 0
	for {
		filter := odata.GEFilter("Дата", from)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: Entity, Filter: filter, OrderBy: "Дата asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			errorLogs++
			log.Error().Err(err).Int("skip", skip).Msg("error fetching queue-closing batch")
			if errorLogs >= cfg.MaxErrorLogs {
				break
			}
			skip += pageSize
			continue
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding queue-closing batch")
			break
		}
		if len(resp.Value) == 0 {
			break
		}

		stop := false
		for _, it := range resp.Value {
			if err := p.processItem(ctx, it, currentTime); err != nil {
				errorLogs++
				log.Error().Err(err).Msg("failed to process queue-closing item")
				if errorLogs >= cfg.MaxErrorLogs {
					log.Error().Msg("too many queue-closing errors, stopping")
					stop = true
					break
				}
				continue
			}
			total++

			date := mapper.CleanDatetime(it.Date)
			if date == nil {
				continue
			}
			if date.After(currentTime) {
				if lastProcessedAt.Before(currentTime) {
					lastProcessedAt = currentTime
				}
			} else if date.After(lastProcessedAt) {
				lastProcessedAt = *date
			}
		}

		log.Info().Int("skip", skip).Int("batch_size", len(resp.Value)).Msg("queue-closing batch processed")

		saveAt := lastProcessedAt
		if saveAt.After(currentTime) {
			saveAt = currentTime
		}
		if err := checkpoints.Save(ctx, p.Pool, Entity, &saveAt, ""); err != nil {
			log.Warn().Err(err).Msg("failed to save queue-closing sync state after batch")
		}

		if stop || len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	saveAt := lastProcessedAt
	if saveAt.After(currentTime) {
		saveAt = currentTime
	}
	if err := checkpoints.Save(ctx, p.Pool, Entity, &saveAt, ""); err != nil {
		log.Error().Err(err).Msg("failed to save final queue-closing sync state")
	}
	log.Info().Int("total", total).Msg("queue-closing sync completed")
	return nil
}

func (p *Puller) processItem(ctx context.Context, it item, currentDate time.Time) error {
	date := mapper.CleanDatetime(it.Date)
	if date == nil {
		return nil
	}
	if !sameDay(*date, currentDate) {
		return nil
	}
	managerKey := mapper.CleanUUID(it.ManagerKey)
	if !managerKey.Valid {
		return nil
	}
	periodDay := startOfDay(*date)

	if !it.Closed {
		_, err := p.Pool.Exec(ctx, `
			DELETE FROM cons.queue_closing
			WHERE date_trunc('day', period) = date_trunc('day', $1::timestamptz) AND manager_key = $2
		`, periodDay, managerKey.UUID)
		return err
	}

	var exists bool
	err := p.Pool.QueryRow(ctx, `
		SELECT true FROM cons.queue_closing
		WHERE date_trunc('day', period) = date_trunc('day', $1::timestamptz) AND manager_key = $2
	`, periodDay, managerKey.UUID).Scan(&exists)
	if err != nil && err != pgx.ErrNoRows {
		return err
	}
	isNew := !exists

	if _, err := p.Pool.Exec(ctx, `
		INSERT INTO cons.queue_closing (period, manager_key)
		VALUES ($1, $2)
		ON CONFLICT (period, manager_key) DO UPDATE SET period = EXCLUDED.period
	`, periodDay, managerKey.UUID); err != nil {
		return err
	}

	if isNew {
		p.notifyOpenConsultations(ctx, managerKey.UUID, periodDay)
	}
	return nil
}

// notifyOpenConsultations warns every client with a live open/pending,
// non-denied consultation assigned to managerKey that it will soon be
// reassigned. Unlike the other satellite pullers, this message has no
// dedup ledger entry -- it fires once per newly-inserted queue_closing
// row, which the INSERT...ON CONFLICT above already guarantees happens at
// most once per (manager, day).
func (p *Puller) notifyOpenConsultations(ctx context.Context, managerKey uuid.UUID, day time.Time) {
	managerName := p.managerName(ctx, managerKey)
	if managerName == "" {
		managerName = "менеджера"
	}

	rows, err := p.Pool.Query(ctx, `
		SELECT cons_id FROM cons.consultations
		WHERE manager = $1 AND status IN ('open', 'pending') AND denied = false
	`, managerKey)
	if err != nil {
		log.Warn().Err(err).Str("manager_key", managerKey.String()).Msg("failed to load open consultations for queue-closing notification")
		return
	}
	defer rows.Close()

	var consIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		consIDs = append(consIDs, id)
	}

	message := fmt.Sprintf(
		"Очередь для %s закрыта на %s. В скором времени ваша консультация будет переназначена другому менеджеру.",
		managerName, day.Format("02.01.2006"),
	)
	for _, consID := range consIDs {
		if !model.ParseConsID(consID).IsValidChatID() {
			continue
		}
		if err := p.Chat.SendMessage(ctx, consID, message, "outgoing"); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send queue-closing notification")
		}
	}
}

func (p *Puller) managerName(ctx context.Context, managerKey uuid.UUID) string {
	var name string
	if err := p.Pool.QueryRow(ctx,
		`SELECT description FROM cons.users WHERE ref_key = $1`, managerKey,
	).Scan(&name); err != nil {
		return ""
	}
	return name
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
