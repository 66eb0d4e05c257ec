package consultations

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/config"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/odata"
)

// RunOpenUpdate refreshes every non-terminal consultation by Ref_Key,
// batched into OData Ref_Key-eq-or filters. A Ref_Key present in the
// database but missing from the ERP response is treated as deleted
// upstream: the consultation is marked cancelled and, if it has a live
// CHAT conversation, closed there with a notice.
func (p *Puller) RunOpenUpdate(ctx context.Context, cfg config.Config) error {
	openRefKeys, err := p.loadOpenRefKeys(ctx)
	if err != nil {
		return err
	}
	if len(openRefKeys) == 0 {
		log.Info().Msg("no open consultations found in database")
		return nil
	}
	log.Info().Int("count", len(openRefKeys)).Msg("open consultations update starting")

	batchSize := cfg.MaxKeysPerRequest
	if batchSize <= 0 {
		batchSize = 40
	}

	var created, updated, errs int
	for start := 0; start < len(openRefKeys); start += batchSize {
		end := start + batchSize
		if end > len(openRefKeys) {
			end = len(openRefKeys)
		}
		batchKeys := openRefKeys[start:end]
		batchNum := start/batchSize + 1

		filter := odata.GUIDEqualityOr("Ref_Key", batchKeys)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{Entity: Entity, Filter: filter})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			log.Error().Err(err).Int("batch", batchNum).Msg("error fetching open-update batch")
			errs += len(batchKeys)
			continue
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("batch", batchNum).Msg("error decoding open-update batch response")
			errs += len(batchKeys)
			continue
		}

		returned := make(map[uuid.UUID]bool, len(resp.Value))
		for _, it := range resp.Value {
			if it.RefKey == "" {
				continue
			}
			refKey, err := uuid.Parse(it.RefKey)
			if err != nil {
				errs++
				continue
			}
			returned[refKey] = true

			result, err := p.ProcessItem(ctx, it)
			if err != nil {
				errs++
				log.Warn().Err(err).Str("ref_key", it.RefKey).Msg("error processing consultation in open-update batch")
				continue
			}
			if result.Created {
				created++
			} else if !result.Unchanged {
				updated++
			}
		}

		p.closeMissingRefKeys(ctx, batchKeys, returned)

		log.Info().Int("batch", batchNum).Int("created", created).Int("updated", updated).Int("errors", errs).
			Msg("open-update batch committed")
	}

	log.Info().Int("created", created).Int("updated", updated).Int("errors", errs).
		Msg("open consultations update completed")
	return nil
}

func (p *Puller) loadOpenRefKeys(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT DISTINCT cl_ref_key
		FROM cons.consultations
		WHERE cl_ref_key IS NOT NULL
		AND status NOT IN ('closed', 'resolved', 'cancelled')
		ORDER BY cl_ref_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []uuid.UUID
	for rows.Next() {
		var k uuid.UUID
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// closeMissingRefKeys marks every ref key that was in this batch but absent
// from the ERP response as cancelled (deleted upstream), closing its CHAT
// conversation if one is attached.
func (p *Puller) closeMissingRefKeys(ctx context.Context, batchKeys []uuid.UUID, returned map[uuid.UUID]bool) {
	for _, refKey := range batchKeys {
		if returned[refKey] {
			continue
		}
		existing, err := p.loadByRefKey(ctx, refKey)
		if err != nil {
			log.Warn().Err(err).Str("ref_key", refKey.String()).Msg("error loading consultation missing from ERP response")
			continue
		}
		if existing == nil || existing.Status.IsTerminal() {
			continue
		}
		if _, err := p.Pool.Exec(ctx, `UPDATE cons.consultations SET status = $2 WHERE cons_id = $1`,
			existing.ConsID, "cancelled"); err != nil {
			log.Warn().Err(err).Str("ref_key", refKey.String()).Msg("failed to mark consultation cancelled")
			continue
		}
		log.Info().Str("ref_key", refKey.String()).Msg("consultation missing from ERP response, marked cancelled")

		if !model.ParseConsID(existing.ConsID).IsValidChatID() {
			continue
		}
		if err := p.Chat.ToggleConversationStatus(ctx, existing.ConsID, "resolved"); err != nil {
			log.Warn().Err(err).Str("cons_id", existing.ConsID).Msg("failed to close conversation in CHAT for deleted consultation")
			continue
		}
		if err := p.Chat.SendMessage(ctx, existing.ConsID, "Заявка была удалена в системе.", ""); err != nil {
			log.Warn().Err(err).Str("cons_id", existing.ConsID).Msg("failed to send deletion notice")
		}
	}
}

