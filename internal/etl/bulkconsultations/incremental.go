package bulkconsultations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/odata"
)

// Run pages through every Document_ТелефонныйЗвонок changed (by ДатаСоздания,
// not ДатаИзменения -- bulk consultations are tracked by creation date
// only) since the last checkpoint.
func (p *Puller) Run(ctx context.Context, cfg config.Config, checkpoints *checkpoint.Store) error {
	cp, err := checkpoints.Get(ctx, Entity)
	if err != nil {
		return err
	}

	currentTime := time.Now().UTC()
	from := cfg.InitialFromDate.UTC()
	var lastProcessedAt *time.Time
	if cp.LastSyncedAt != nil {
		effective := checkpoint.ClampToNow(*cp.LastSyncedAt)
		from = effective.Add(-cfg.Buffer("bulk_consultations"))
		t := effective
		lastProcessedAt = &t
		log.Info().Time("from", from).Msg("incremental bulk-consultations sync starting")
	} else {
		log.Info().Time("from", from).Msg("first-run bulk-consultations sync starting")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	total := 0
	for {
		filter := odata.GEFilter("ДатаСоздания", from)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: "Document_ТелефонныйЗвонок", Filter: filter, OrderBy: "ДатаСоздания asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error fetching bulk-consultations batch")
			break
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding bulk-consultations batch")
			break
		}
		if len(resp.Value) == 0 {
			break
		}

		batchCreated, batchUpdated, batchErrors := 0, 0, 0
		for _, it := range resp.Value {
			result, err := p.ProcessItem(ctx, it)
			if err != nil {
				batchErrors++
				log.Error().Err(err).Str("ref_key", it.RefKey).Msg("error processing bulk consultation")
				continue
			}
			if result.Created {
				batchCreated++
			} else if !result.Unchanged {
				batchUpdated++
			}
			if result.ChangeDate.IsZero() || result.ChangeDate.After(currentTime) {
				continue
			}
			if lastProcessedAt == nil || result.ChangeDate.After(*lastProcessedAt) {
				t := result.ChangeDate
				lastProcessedAt = &t
			}
		}

		total += len(resp.Value)
		log.Info().Int("skip", skip).Int("batch_size", len(resp.Value)).
			Int("created", batchCreated).Int("updated", batchUpdated).Int("errors", batchErrors).
			Msg("bulk-consultations batch processed")

		if lastProcessedAt != nil {
			if err := checkpoints.Save(ctx, p.Pool, Entity, lastProcessedAt, ""); err != nil {
				log.Warn().Err(err).Msg("failed to save bulk-consultations sync state after batch")
			}
		}

		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	if lastProcessedAt != nil {
		if err := checkpoints.Save(ctx, p.Pool, Entity, lastProcessedAt, ""); err != nil {
			log.Error().Err(err).Msg("failed to save final bulk-consultations sync state")
		}
	}
	if total == 0 {
		log.Warn().Msg("no bulk consultations were processed")
	}
	return nil
}
