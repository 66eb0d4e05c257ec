// Package calls pulls InformationRegister_РегистрацияДозвона (callback
// attempt log entries) and attaches them to the consultation and client each
// row references.
package calls

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/mapper"
	"github.com/conslink/consync/internal/odata"
)

// Entity is the sync_state / OData entity name.
const Entity = "InformationRegister_РегистрацияДозвона"

type item struct {
	Period     string `json:"Period"`
	DocKey     string `json:"ДокументОбращения_Key"`
	AbonentKey string `json:"Абонент_Key"`
	ManagerKey string `json:"Менеджер_Key"`
}

type listResponse struct {
	Value []item `json:"value"`
}

// Puller appends callback-attempt rows into cons.calls, deduplicated on
// (period, cons_key, manager).
type Puller struct {
	Pool *pgxpool.Pool
	ERP  *odata.Client
}

// Run loads every call record with Period on or after the last checkpoint
// (a flat 7-day buffer, unlike the field-specific buffers the consultations
// feed uses), then advances the checkpoint to "now" once the run completes
// rather than to the last record's Period.
func (p *Puller) Run(ctx context.Context, cfg config.Config, checkpoints *checkpoint.Store) error {
	cp, err := checkpoints.Get(ctx, Entity)
	if err != nil {
		return err
	}

	from := cfg.InitialFromDate.UTC()
	if cp.LastSyncedAt != nil {
		from = checkpoint.ClampToNow(*cp.LastSyncedAt).Add(-7 * 24 * time.Hour)
	}
	log.Info().Time("from", from).Msg("calls sync starting")

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	total := 0
	errorLogs := 0
	for {
		filter := odata.GEFilter("Period", from)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: Entity, Filter: filter, OrderBy: "Period asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error fetching calls batch")
			break
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding calls batch")
			break
		}
		if len(resp.Value) == 0 {
			break
		}

		for _, it := range resp.Value {
			if err := p.processItem(ctx, it); err != nil {
				errorLogs++
				if errorLogs <= cfg.MaxErrorLogs {
					log.Error().Err(err).Str("period", it.Period).Msg("error processing call")
				} else if errorLogs == cfg.MaxErrorLogs+1 {
					log.Warn().Msg("further call processing errors suppressed")
				}
				continue
			}
		}

		total += len(resp.Value)
		log.Info().Int("skip", skip).Int("batch_size", len(resp.Value)).Int("total", total).Msg("calls batch processed")

		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	now := time.Now().UTC()
	if err := checkpoints.Save(ctx, p.Pool, Entity, &now, ""); err != nil {
		log.Error().Err(err).Msg("failed to save calls sync state")
	}
	log.Info().Int("total", total).Msg("calls sync completed")
	return nil
}

// processItem inserts one call record, skipping rows missing their Period or
// the consultation document key they attach to.
func (p *Puller) processItem(ctx context.Context, it item) error {
	period := mapper.CleanDatetime(it.Period)
	docKey := mapper.CleanUUID(it.DocKey)
	if period == nil || !docKey.Valid {
		return nil
	}
	clientKey := mapper.CleanUUID(it.AbonentKey)
	managerKey := mapper.CleanUUID(it.ManagerKey)

	var consID *string
	if err := p.Pool.QueryRow(ctx,
		`SELECT cons_id FROM cons.consultations WHERE cl_ref_key = $1 LIMIT 1`, docKey.UUID,
	).Scan(&consID); err != nil {
		consID = nil
	}

	var clientID *string
	if clientKey.Valid {
		if err := p.Pool.QueryRow(ctx,
			`SELECT client_id FROM cons.clients WHERE cl_ref_key = $1 LIMIT 1`, clientKey.UUID,
		).Scan(&clientID); err != nil {
			clientID = nil
		}
	}

	_, err := p.Pool.Exec(ctx, `
		INSERT INTO cons.calls (period, cons_key, cons_id, client_key, client_id, manager)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (period, cons_key, manager) DO NOTHING
	`, period, docKey.UUID, consID, nullableUUID(clientKey), clientID, nullableUUID(managerKey))
	return err
}

func nullableUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
