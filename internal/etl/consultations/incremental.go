package consultations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/checkpoint"
	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/odata"
)

// RunIncremental pages through every item changed since the last checkpoint
// (buffered by cfg.Buffer("consultations") days), processing each and
// advancing sys.sync_state after every batch so an interruption loses at
// most one page.
func (p *Puller) RunIncremental(ctx context.Context, cfg config.Config, checkpoints *checkpoint.Store) error {
	cp, err := checkpoints.Get(ctx, Entity)
	if err != nil {
		return err
	}

	currentTime := time.Now().UTC()
	from := cfg.InitialFromDate.UTC()
	var lastProcessedAt *time.Time
	if cp.LastSyncedAt != nil {
		effective := checkpoint.ClampToNow(*cp.LastSyncedAt)
		from = effective.Add(-cfg.Buffer("consultations"))
		t := effective
		lastProcessedAt = &t
		log.Info().Time("from", from).Time("effective_last_sync", effective).
			Msg("incremental consultations sync starting")
	} else {
		log.Info().Time("from", from).Msg("first-run consultations sync starting")
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	errorLogs := 0
	for {
		filter := odata.GEFilter("ДатаИзменения", from)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: Entity, Filter: filter, OrderBy: "ДатаИзменения asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			if perm, ok := err.(*odata.PermanentError); ok && perm.StatusCode == 400 {
				log.Error().Err(err).Msg("400 Bad Request from ERP, stopping incremental consultations sync")
				return err
			}
			log.Error().Err(err).Int("skip", skip).Msg("error fetching incremental consultations batch")
			break
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding incremental consultations batch")
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
				errorLogs++
				if errorLogs <= cfg.MaxErrorLogs {
					log.Error().Err(err).Str("ref_key", it.RefKey).Msg("error processing consultation")
				} else if errorLogs == cfg.MaxErrorLogs+1 {
					log.Warn().Msg("further consultation processing errors suppressed")
				}
				continue
			}
			if result.Created {
				batchCreated++
			} else if !result.Unchanged {
				batchUpdated++
			}

			if result.ChangeDate.IsZero() {
				continue
			}
			if result.ChangeDate.After(currentTime) {
				// a scheduled future ДатаИзменения: still processed, but
				// never used to advance the checkpoint past now.
				if lastProcessedAt == nil || lastProcessedAt.Before(currentTime) {
					t := currentTime
					lastProcessedAt = &t
				}
				continue
			}
			if lastProcessedAt == nil || result.ChangeDate.After(*lastProcessedAt) {
				t := result.ChangeDate
				lastProcessedAt = &t
			}
		}

		log.Info().Int("skip", skip).Int("batch_size", len(resp.Value)).
			Int("created", batchCreated).Int("updated", batchUpdated).Int("errors", batchErrors).
			Msg("incremental consultations batch processed")

		if lastProcessedAt != nil {
			if err := checkpoints.Save(ctx, p.Pool, Entity, lastProcessedAt, ""); err != nil {
				log.Warn().Err(err).Msg("failed to save sync state after batch")
			}
		}

		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	if lastProcessedAt != nil {
		if err := checkpoints.Save(ctx, p.Pool, Entity, lastProcessedAt, ""); err != nil {
			log.Error().Err(err).Msg("failed to save final consultations sync state")
		}
	}
	return nil
}
