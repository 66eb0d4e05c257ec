// Package reschedules pulls InformationRegister_РегистрацияПереносаКонсультации
// (consultation reschedule log entries), inserts each as an append-only row,
// pushes the new date onto the consultation row and back into ERP, and
// notifies the CHAT conversation about the reschedule.
package reschedules

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
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
)

// Entity is the sync_state / OData entity name.
const Entity = "InformationRegister_РегистрацияПереносаКонсультации"

type item struct {
	Period     string `json:"Period"`
	DocKey     string `json:"ДокументОбращения_Key"`
	AbonentKey string `json:"Абонент_Key"`
	ManagerKey string `json:"Менеджер_Key"`
	OldDate    string `json:"СтараяДата"`
	NewDate    string `json:"НоваяДата"`
}

type listResponse struct {
	Value []item `json:"value"`
}

// Puller appends reschedule rows and copies every row's new date onto the
// consultation's redate fields; for each genuinely new row with a new date
// it also notifies CHAT and mirrors the new start date back to ERP.
type Puller struct {
	Pool   *pgxpool.Pool
	ERP    *odata.Client
	Chat   *chatclient.Client
	Ledger *notifyledger.Ledger
}

// Run loads every reschedule record with Period on or after the last
// checkpoint (a 6-hour buffer, per config.Config.Buffer("reschedules")).
func (p *Puller) Run(ctx context.Context, cfg config.Config, checkpoints *checkpoint.Store) error {
	cp, err := checkpoints.Get(ctx, Entity)
	if err != nil {
		return err
	}

	from := cfg.InitialFromDate.UTC()
	var lastPeriod *time.Time
	if cp.LastSyncedAt != nil {
		effective := checkpoint.ClampToNow(*cp.LastSyncedAt)
		from = effective.Add(-cfg.Buffer("reschedules"))
		t := effective
		lastPeriod = &t
	}
	log.Info().Time("from", from).Msg("reschedules sync starting")

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	errorLogs := 0
	for {
		filter := odata.GEFilter("Period", from)
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: Entity, Filter: filter, OrderBy: "Period asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error fetching reschedules batch")
			break
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding reschedules batch")
			break
		}
		if len(resp.Value) == 0 {
			break
		}

		latest, err := p.processBatch(ctx, resp.Value)
		if err != nil {
			errorLogs++
			if errorLogs <= cfg.MaxErrorLogs {
				log.Error().Err(err).Int("skip", skip).Msg("error processing reschedules batch")
			}
			break
		}
		if latest != nil && (lastPeriod == nil || latest.After(*lastPeriod)) {
			lastPeriod = latest
		}

		log.Info().Int("skip", skip).Int("batch_size", len(resp.Value)).Msg("reschedules batch processed")

		if lastPeriod != nil {
			if err := checkpoints.Save(ctx, p.Pool, Entity, lastPeriod, ""); err != nil {
				log.Warn().Err(err).Msg("failed to save reschedules sync state after batch")
			}
		}

		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	if lastPeriod != nil {
		if err := checkpoints.Save(ctx, p.Pool, Entity, lastPeriod, ""); err != nil {
			log.Error().Err(err).Msg("failed to save final reschedules sync state")
		}
	}
	return nil
}

type row struct {
	consKey    uuid.UUID
	clientsKey uuid.NullUUID
	managerKey uuid.NullUUID
	period     time.Time
	oldDate    *time.Time
	newDate    *time.Time
}

func (p *Puller) processBatch(ctx context.Context, items []item) (*time.Time, error) {
	var latest *time.Time
	for _, it := range items {
		consKey := mapper.CleanUUID(it.DocKey)
		period := mapper.CleanDatetime(it.Period)
		if !consKey.Valid || period == nil {
			continue
		}
		r := row{
			consKey:    consKey.UUID,
			clientsKey: mapper.CleanUUID(it.AbonentKey),
			managerKey: mapper.CleanUUID(it.ManagerKey),
			period:     *period,
			oldDate:    mapper.CleanDatetime(it.OldDate),
			newDate:    mapper.CleanDatetime(it.NewDate),
		}
		if latest == nil || r.period.After(*latest) {
			latest = &r.period
		}

		isNew, err := p.insertRedateRow(ctx, r)
		if err != nil {
			return latest, err
		}

		if err := p.updateConsultationSchedule(ctx, r.consKey, r.newDate); err != nil {
			log.Warn().Err(err).Str("cons_key", r.consKey.String()).Msg("failed to update consultation redate fields")
		}

		if !isNew || r.newDate == nil {
			continue
		}
		consID, clRefKey := p.loadConsultationRefs(ctx, r.consKey)
		if consID == "" {
			continue
		}
		p.notifyRedate(ctx, consID, r.oldDate, r.newDate, r.managerKey)
		if clRefKey != "" {
			p.pushDateToERP(ctx, clRefKey, *r.newDate)
		}
	}
	return latest, nil
}

// insertRedateRow appends the row if its natural key (cons_key, clients_key,
// manager_key, period) hasn't been seen before, reporting whether it inserted.
func (p *Puller) insertRedateRow(ctx context.Context, r row) (bool, error) {
	tag, err := p.Pool.Exec(ctx, `
		INSERT INTO cons.cons_redate (cons_key, clients_key, manager_key, period, old_date, new_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cons_key, clients_key, manager_key, period) DO NOTHING
	`, r.consKey, nullableUUID(r.clientsKey), nullableUUID(r.managerKey), r.period, r.oldDate, r.newDate)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Puller) updateConsultationSchedule(ctx context.Context, consKey uuid.UUID, newDate *time.Time) error {
	if newDate == nil {
		return nil
	}
	_, err := p.Pool.Exec(ctx, `
		UPDATE cons.consultations
		SET redate = $2, redate_time = $3
		WHERE cl_ref_key = $1
	`, consKey, newDate.UTC(), newDate.UTC().Format("15:04:05"))
	return err
}

func (p *Puller) loadConsultationRefs(ctx context.Context, consKey uuid.UUID) (consID string, clRefKey string) {
	var cid string
	var ref uuid.UUID
	err := p.Pool.QueryRow(ctx, `
		SELECT cons_id, COALESCE(cl_ref_key, '00000000-0000-0000-0000-000000000000')
		FROM cons.consultations WHERE cl_ref_key = $1
	`, consKey).Scan(&cid, &ref)
	if err != nil {
		if err != pgx.ErrNoRows {
			log.Warn().Err(err).Str("cons_key", consKey.String()).Msg("failed to load consultation for reschedule notification")
		}
		return "", ""
	}
	if ref == uuid.Nil {
		return cid, ""
	}
	return cid, ref.String()
}

// notifyRedate sends the reschedule note to the CHAT conversation, skipping
// consultations that don't yet have a real CHAT-side id (temp/cl_ prefix)
// and deduplicating via the ledger.
func (p *Puller) notifyRedate(ctx context.Context, consID string, oldDate, newDate *time.Time, managerKey uuid.NullUUID) {
	if !model.ParseConsID(consID).IsValidChatID() {
		return
	}
	managerKeyStr := ""
	if managerKey.Valid {
		managerKeyStr = managerKey.UUID.String()
	}
	data := map[string]any{
		"old_date":    isoOrNil(oldDate),
		"new_date":    newDate.UTC().Format(time.RFC3339),
		"manager_key": managerKeyStr,
	}
	alreadySent, err := p.Ledger.CheckAndLog(ctx, "redate", consID, data)
	if err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to check redate notification ledger")
		return
	}
	if alreadySent {
		return
	}

	managerName := p.managerName(ctx, managerKey)
	oldStr := "не указана"
	if oldDate != nil {
		oldStr = oldDate.Format("02.01.2006 15:04")
	}
	msg := fmt.Sprintf("Консультация перенесена\nСтарая дата: %s\nНовая дата: %s",
		oldStr, newDate.Format("02.01.2006 15:04"))
	if managerName != "" {
		msg += "\nМенеджер: " + managerName
	} else if managerKey.Valid {
		msg += "\nМенеджер: " + managerKeyStr[:8] + "..."
	}

	if err := p.Chat.SendMessage(ctx, consID, msg, "outgoing"); err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send redate notification")
	}
}

func (p *Puller) managerName(ctx context.Context, managerKey uuid.NullUUID) string {
	if !managerKey.Valid {
		return ""
	}
	var name string
	err := p.Pool.QueryRow(ctx,
		`SELECT description FROM cons.users WHERE ref_key = $1 AND deletion_mark = false`, managerKey.UUID,
	).Scan(&name)
	if err != nil {
		return ""
	}
	return name
}

func (p *Puller) pushDateToERP(ctx context.Context, refKey string, newDate time.Time) {
	if err := p.ERP.UpdateConsultation(ctx, odata.UpdateConsultationRequest{RefKey: refKey, StartDate: &newDate}); err != nil {
		log.Warn().Err(err).Str("ref_key", refKey).Msg("failed to push rescheduled date to ERP")
	}
}

func isoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
