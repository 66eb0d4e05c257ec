// Package ratings pulls InformationRegister_ОценкаКонсультацийПоЗаявкам
// (per-question consultation ratings), upserts each row, recomputes the
// parent consultation's con_rates aggregate after every batch, and notifies
// CHAT of newly-arrived ratings.
//
// Unlike every other puller, the checkpoint here is the Обращение_Key (a
// GUID) rather than a timestamp: GUIDs can't be compared with OData's gt/lt,
// so the batch is sorted by key ascending and rows preceding the last
// processed key are skipped client-side.
package ratings

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
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
const Entity = "InformationRegister_ОценкаКонсультацийПоЗаявкам"

type item struct {
	ConsKey      string `json:"Обращение_Key"`
	ClientKey    string `json:"Контрагент_Key"`
	ManagerKey   string `json:"Менеджер_Key"`
	QuestionNum  any    `json:"НомерВопроса"`
	Rating       any    `json:"Оценка"`
	QuestionText string `json:"Вопрос"`
	Comment      string `json:"Комментарий"`
	SentToBase   bool   `json:"ОтправленаБаза"`
	RatingDate   string `json:"ДатаОценки"`
}

type listResponse struct {
	Value []item `json:"value"`
}

// Puller upserts rating rows and the con_rates aggregate they feed.
type Puller struct {
	Pool   *pgxpool.Pool
	ERP    *odata.Client
	Chat   *chatclient.Client
	Ledger *notifyledger.Ledger
}

// Run loads every rating record ordered by Обращение_Key ascending, paging
// until the batch is empty, and advances sys.sync_state.last_synced_key.
func (p *Puller) Run(ctx context.Context, cfg config.Config) error {
	lastKey, err := p.loadLastSyncedKey(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("last_synced_key", lastKey).Msg("ratings sync starting")

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	skip := 0
	lastProcessedKey := lastKey
	errorLogs := 0
	for {
		url := odata.BuildURL(cfg.ODataBaseURL, odata.Query{
			Entity: Entity, OrderBy: "Обращение_Key asc", Top: pageSize, Skip: skip,
		})

		body, err := p.ERP.GetURL(ctx, url)
		if err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error fetching ratings batch")
			break
		}

		var resp listResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			log.Error().Err(err).Int("skip", skip).Msg("error decoding ratings batch")
			break
		}
		if len(resp.Value) == 0 {
			break
		}

		batchLastKey, err := p.processBatch(ctx, resp.Value, lastKey)
		if err != nil {
			errorLogs++
			if errorLogs <= cfg.MaxErrorLogs {
				log.Error().Err(err).Int("skip", skip).Msg("error processing ratings batch")
			}
			break
		}
		if batchLastKey != "" && batchLastKey > lastProcessedKey {
			lastProcessedKey = batchLastKey
		}

		if lastProcessedKey != "" {
			if err := p.saveLastSyncedKey(ctx, lastProcessedKey); err != nil {
				log.Warn().Err(err).Msg("failed to save ratings sync state after batch")
			}
		}

		if len(resp.Value) < pageSize {
			break
		}
		skip += pageSize
	}

	if lastProcessedKey != "" {
		if err := p.saveLastSyncedKey(ctx, lastProcessedKey); err != nil {
			log.Error().Err(err).Msg("failed to save final ratings sync state")
		}
	}
	return nil
}

func (p *Puller) loadLastSyncedKey(ctx context.Context) (string, error) {
	var key *string
	err := p.Pool.QueryRow(ctx,
		`SELECT last_synced_key FROM sys.sync_state WHERE entity_name = $1`, Entity,
	).Scan(&key)
	if err != nil {
		return "", nil
	}
	if key == nil {
		return "", nil
	}
	return *key, nil
}

func (p *Puller) saveLastSyncedKey(ctx context.Context, key string) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO sys.sync_state (entity_name, last_synced_key)
		VALUES ($1, $2)
		ON CONFLICT (entity_name) DO UPDATE SET last_synced_key = EXCLUDED.last_synced_key
	`, Entity, key)
	return err
}

func (p *Puller) processBatch(ctx context.Context, items []item, lastSyncedKey string) (string, error) {
	lastProcessedKey := ""
	affected := map[uuid.UUID]bool{}

	type pendingRow struct {
		consKey      uuid.UUID
		consID       string
		managerKey   uuid.NullUUID
		questionNum  int
		rating       *int
		questionText string
	}
	var pending []pendingRow

	for _, it := range items {
		consKey := mapper.CleanUUID(it.ConsKey)
		if !consKey.Valid {
			continue
		}
		questionNum, ok := cleanInt(it.QuestionNum)
		if !ok {
			continue
		}

		if checkpoint.KeyPrecedes(consKey.UUID.String(), lastSyncedKey) {
			continue
		}
		if lastProcessedKey == "" || consKey.UUID.String() > lastProcessedKey {
			lastProcessedKey = consKey.UUID.String()
		}

		managerKey := mapper.CleanUUID(it.ManagerKey)
		clientKey := mapper.CleanUUID(it.ClientKey)
		var ratingPtr *int
		if r, ok := cleanInt(it.Rating); ok {
			ratingPtr = &r
		}
		ratingDate := mapper.CleanDatetime(it.RatingDate)

		consID, clientID := p.lookupConsultation(ctx, consKey.UUID)
		if clientID == "" && clientKey.Valid {
			clientID = p.lookupClient(ctx, clientKey.UUID)
		}

		isNew, err := p.upsertAnswer(ctx, consKey.UUID, consID, clientKey, clientID, managerKey,
			questionNum, ratingPtr, it.QuestionText, it.Comment, it.SentToBase, ratingDate)
		if err != nil {
			return lastProcessedKey, err
		}
		affected[consKey.UUID] = true

		if isNew && consID != "" {
			pending = append(pending, pendingRow{
				consKey: consKey.UUID, consID: consID, managerKey: managerKey,
				questionNum: questionNum, rating: ratingPtr, questionText: it.QuestionText,
			})
		}
	}

	for consKey := range affected {
		if err := p.recalcConRates(ctx, consKey); err != nil {
			log.Warn().Err(err).Str("cons_key", consKey.String()).Msg("failed to recalc con_rates aggregate")
		}
	}

	for _, row := range pending {
		p.notifyRating(ctx, row.consID, row.rating, row.questionText, row.managerKey)
	}

	return lastProcessedKey, nil
}

// cleanInt mirrors clean_int's forgiving coercion: OData JSON numbers decode
// as float64, but some fields arrive as numeric strings.
func cleanInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func (p *Puller) lookupConsultation(ctx context.Context, consKey uuid.UUID) (consID, clientID string) {
	var cid, clientIDVal *string
	err := p.Pool.QueryRow(ctx,
		`SELECT cons_id, client_id FROM cons.consultations WHERE cl_ref_key = $1`, consKey,
	).Scan(&cid, &clientIDVal)
	if err != nil {
		return "", ""
	}
	if cid != nil {
		consID = *cid
	}
	if clientIDVal != nil {
		clientID = *clientIDVal
	}
	return consID, clientID
}

func (p *Puller) lookupClient(ctx context.Context, clientKey uuid.UUID) string {
	var clientID string
	if err := p.Pool.QueryRow(ctx,
		`SELECT client_id FROM cons.clients WHERE cl_ref_key = $1`, clientKey,
	).Scan(&clientID); err != nil {
		return ""
	}
	return clientID
}

func (p *Puller) upsertAnswer(ctx context.Context, consKey uuid.UUID, consID string, clientKey uuid.NullUUID, clientID string,
	managerKey uuid.NullUUID, questionNum int, rating *int, questionText, comment string, sentToBase bool, ratingDate *time.Time) (isNew bool, err error) {

	var existed bool
	if err := p.Pool.QueryRow(ctx, `
		SELECT true FROM cons.cons_rating_answers WHERE cons_key = $1 AND manager_key = $2 AND question_number = $3
	`, consKey, nullableUUID(managerKey), questionNum).Scan(&existed); err != nil {
		existed = false
	}

	_, err = p.Pool.Exec(ctx, `
		INSERT INTO cons.cons_rating_answers (
			cons_key, cons_id, client_key, client_id, manager_key, question_number,
			rating, question_text, comment, sent_to_base, rating_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (cons_key, manager_key, question_number) DO UPDATE SET
			rating = EXCLUDED.rating,
			question_text = EXCLUDED.question_text,
			comment = EXCLUDED.comment,
			sent_to_base = EXCLUDED.sent_to_base,
			rating_date = EXCLUDED.rating_date,
			cons_id = EXCLUDED.cons_id,
			client_id = EXCLUDED.client_id,
			updated_at = now()
	`, consKey, nullIfEmpty(consID), nullableUUID(clientKey), nullIfEmpty(clientID), nullableUUID(managerKey),
		questionNum, rating, questionText, comment, sentToBase, ratingDate)
	if err != nil {
		return false, err
	}
	return !existed, nil
}

// recalcConRates materializes {average, count, per_question} onto
// cons.consultations.con_rates for one consultation (
// rule): average = round(sum(rating)/count, 2) over non-null ratings.
func (p *Puller) recalcConRates(ctx context.Context, consKey uuid.UUID) error {
	rows, err := p.Pool.Query(ctx, `
		SELECT question_number, rating FROM cons.cons_rating_answers
		WHERE cons_key = $1 ORDER BY question_number
	`, consKey)
	if err != nil {
		return err
	}
	defer rows.Close()

	type perQuestion struct {
		Question int  `json:"question_number"`
		Rating   *int `json:"rating"`
	}
	var perQ []perQuestion
	sum, count := 0, 0
	for rows.Next() {
		var q perQuestion
		if err := rows.Scan(&q.Question, &q.Rating); err != nil {
			return err
		}
		perQ = append(perQ, q)
		if q.Rating != nil {
			sum += *q.Rating
			count++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	average := 0.0
	if count > 0 {
		average = math.Round(float64(sum)/float64(count)*100) / 100
	}
	aggregate := map[string]any{"average": average, "count": count, "per_question": perQ}
	payload, err := json.Marshal(aggregate)
	if err != nil {
		return err
	}

	_, err = p.Pool.Exec(ctx, `UPDATE cons.consultations SET con_rates = $2 WHERE cl_ref_key = $1`, consKey, payload)
	return err
}

func (p *Puller) notifyRating(ctx context.Context, consID string, rating *int, questionText string, managerKey uuid.NullUUID) {
	if !model.ParseConsID(consID).IsValidChatID() || rating == nil {
		return
	}
	managerKeyStr := ""
	if managerKey.Valid {
		managerKeyStr = managerKey.UUID.String()
	}
	trimmedQ := questionText
	if len(trimmedQ) > 100 {
		trimmedQ = trimmedQ[:100]
	}
	data := map[string]any{"rating": *rating, "question_text": nullIfEmpty(trimmedQ), "manager_key": managerKeyStr}
	alreadySent, err := p.Ledger.CheckAndLog(ctx, "rating", consID, data)
	if err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to check rating notification ledger")
		return
	}
	if alreadySent {
		return
	}

	managerName := p.managerName(ctx, managerKey)
	msg := fmt.Sprintf("Оценка консультации получена\nОценка: %d/5", *rating)
	if trimmedQ != "" {
		msg += "\nВопрос: " + trimmedQ
	}
	if managerName != "" {
		msg += "\nМенеджер: " + managerName
	} else if managerKey.Valid {
		msg += "\nМенеджер: " + managerKeyStr[:8] + "..."
	}

	if err := p.Chat.SendMessage(ctx, consID, msg, "outgoing"); err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send rating notification")
	}
}

func (p *Puller) managerName(ctx context.Context, managerKey uuid.NullUUID) string {
	if !managerKey.Valid {
		return ""
	}
	var name string
	if err := p.Pool.QueryRow(ctx,
		`SELECT description FROM cons.users WHERE ref_key = $1 AND deletion_mark = false`, managerKey.UUID,
	).Scan(&name); err != nil {
		return ""
	}
	return name
}

func nullableUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
