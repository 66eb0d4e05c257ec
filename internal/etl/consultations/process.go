package consultations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/changelog"
	"github.com/conslink/consync/internal/mapper"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/notify"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/operator"
)

// errSkippedNoRefKey is returned when an ERP item has no Ref_Key -- the
// source silently drops these without logging (they create noise).
var errSkippedNoRefKey = errors.New("consultations: item has no Ref_Key")

// ProcessResult reports what ProcessItem did, for the caller's batch
// counters and checkpoint advancement.
type ProcessResult struct {
	Created    bool
	Unchanged  bool
	ChangeDate time.Time
}

// Puller wires the ERP/CHAT clients and store access needed to process one
// Document_ТелефонныйЗвонок item. One Puller instance is
// shared across an entire incremental or open-update run.
type Puller struct {
	Pool            *pgxpool.Pool
	ERP             *odata.Client
	Chat            *chatclient.Client
	Changes         *changelog.Log
	Ledger          *notifyledger.Ledger
	Selector        *operator.Selector
	SendWaitTimeMsg bool
}

// storedConsultation is the cons.consultations row shape this puller reads
// and writes.
type storedConsultation struct {
	ConsID            string
	RefKey            uuid.NullUUID
	ClientKey         uuid.NullUUID
	ClientID          string
	Number            string
	Status            model.Status
	OrgINN            string
	ConsultationType  model.ConsultationType
	Denied            bool
	CreateDate        time.Time
	StartDate         *time.Time
	EndDate           *time.Time
	Redate            *time.Time
	Comment           string
	Manager           uuid.NullUUID
	Author            string
	OnlineQuestionCat uuid.NullUUID
	OnlineQuestion    string
	Source            model.Source
}

func (p *Puller) loadByRefKey(ctx context.Context, refKey uuid.UUID) (*storedConsultation, error) {
	var c storedConsultation
	err := p.Pool.QueryRow(ctx, `
		SELECT cons_id, cl_ref_key, client_key, client_id, number, status, org_inn,
		       consultation_type, denied, create_date, start_date, end_date, redate,
		       comment, manager, author, online_question_cat, online_question, source
		FROM cons.consultations WHERE cl_ref_key = $1
	`, refKey).Scan(&c.ConsID, &c.RefKey, &c.ClientKey, &c.ClientID, &c.Number, &c.Status, &c.OrgINN,
		&c.ConsultationType, &c.Denied, &c.CreateDate, &c.StartDate, &c.EndDate, &c.Redate,
		&c.Comment, &c.Manager, &c.Author, &c.OnlineQuestionCat, &c.OnlineQuestion, &c.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// findClientByKey resolves client_id from cl_ref_key -- best-effort, a miss
// is not an error (the client may not have been synced into cons.clients
// yet; the consultation is still loaded so the queue engine can count it).
func (p *Puller) findClientByKey(ctx context.Context, clientKey uuid.NullUUID) string {
	if !clientKey.Valid {
		return ""
	}
	var clientID string
	err := p.Pool.QueryRow(ctx, `SELECT client_id FROM cons.clients WHERE cl_ref_key = $1 LIMIT 1`, clientKey.UUID).Scan(&clientID)
	if err != nil {
		return ""
	}
	return clientID
}

func (p *Puller) clientOrgINN(ctx context.Context, clientID string) string {
	if clientID == "" {
		return ""
	}
	var orgINN string
	err := p.Pool.QueryRow(ctx, `SELECT org_inn FROM cons.clients WHERE client_id = $1 LIMIT 1`, clientID).Scan(&orgINN)
	if err != nil {
		return ""
	}
	return orgINN
}

// ProcessItem applies one ERP item to the store, mirroring
// process_consultation_item in full: find-or-create by cl_ref_key,
// per-field diffing with the terminal-status guard, CHAT status/
// custom-attribute sync on change, manager-reassignment notifications, the
// Q&A rebuild and con_blocks/con_calls aggregate refresh. It returns the
// item's effective change date for checkpoint advancement.
func (p *Puller) ProcessItem(ctx context.Context, it item) (ProcessResult, error) {
	if it.RefKey == "" {
		return ProcessResult{}, errSkippedNoRefKey
	}
	refKey, err := uuid.Parse(it.RefKey)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("consultations: invalid Ref_Key %q: %w", it.RefKey, err)
	}

	clientKey := mapper.CleanUUID(it.AbonentKey)
	clientID := p.findClientByKey(ctx, clientKey)
	orgINN := p.clientOrgINN(ctx, clientID)

	managerKey := mapper.CleanUUID(it.ManagerKey)
	authorKey := mapper.CleanUUID(it.AuthorKey)

	createDate := mapper.CleanDatetime(it.CreateDate)
	startDate := mapper.CleanDatetime(it.StartDate)
	endDate := mapper.CleanDatetime(it.EndDate)
	changeDate := mapper.CleanDatetime(it.ChangeDate)
	denied := it.ClosedWithoutCon

	status := mapper.MapStatus(it.AppealKind, endDate, denied)
	consultationType := model.ConsultationAccounting // every item from this entity is accounting

	onlineQuestionCat := mapper.CleanUUID(it.QuestionCategoryKey)
	onlineQuestion := mapper.CleanUUID(it.QuestionForConsKey)
	comment := it.comment()

	existing, err := p.loadByRefKey(ctx, refKey)
	if err != nil {
		return ProcessResult{}, err
	}

	var consID string
	created := false
	if existing == nil {
		consID = model.NewTempConsID(refKey).String()
		created = true
		cd := time.Now().UTC()
		if createDate != nil {
			cd = *createDate
		}
		_, err = p.Pool.Exec(ctx, `
			INSERT INTO cons.consultations
				(cons_id, cl_ref_key, client_key, client_id, number, status, org_inn,
				 consultation_type, denied, create_date, start_date, end_date, comment,
				 manager, author, online_question_cat, online_question, source)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		`, consID, refKey, clientKey, nullIfEmpty(clientID), it.Number, status, nullIfEmpty(orgINN),
			consultationType, denied, cd, startDate, endDate, comment,
			managerKey, authorKey, onlineQuestionCat, onlineQuestion, model.SourceETL)
		if err != nil {
			return ProcessResult{}, err
		}
	} else {
		consID = existing.ConsID
		unchanged, err := p.updateExisting(ctx, existing, fields{
			number: it.Number, status: status, orgINN: orgINN, clientID: clientID,
			clientKey: clientKey, consultationType: consultationType, denied: denied,
			startDate: startDate, endDate: endDate, comment: comment,
			managerKey: managerKey, authorKey: authorKey,
			onlineQuestionCat: onlineQuestionCat, onlineQuestion: onlineQuestion,
		})
		if err != nil {
			return ProcessResult{}, err
		}
		if unchanged {
			return ProcessResult{Unchanged: true}, nil
		}
	}

	if err := p.rebuildQA(ctx, refKey, consID, it); err != nil {
		return ProcessResult{}, err
	}
	if err := p.refreshAggregates(ctx, refKey); err != nil {
		return ProcessResult{}, err
	}

	result := changeDate
	if result == nil {
		result = createDate
	}
	if result == nil {
		result = startDate
	}
	if result == nil {
		now := time.Now().UTC()
		result = &now
	}
	return ProcessResult{Created: created, ChangeDate: result.UTC()}, nil
}

// fields is the set of ERP-mapped values compared against the stored row.
type fields struct {
	number            string
	status            model.Status
	orgINN            string
	clientID          string
	clientKey         uuid.NullUUID
	consultationType  model.ConsultationType
	denied            bool
	startDate         *time.Time
	endDate           *time.Time
	comment           string
	managerKey        uuid.NullUUID
	authorKey         uuid.NullUUID
	onlineQuestionCat uuid.NullUUID
	onlineQuestion    string
}

// updateExisting diffs the mapped ERP fields against the stored row,
// applying the terminal-status guard and the manager null-refusal rule,
// firing the CHAT status/custom-attribute syncs and the reassignment
// notifications on change. Returns unchanged=true when nothing moved.
func (p *Puller) updateExisting(ctx context.Context, existing *storedConsultation, f fields) (unchanged bool, err error) {
	hasChanges := false
	oldManager := existing.Manager

	newNumber := existing.Number
	if existing.Number != f.number {
		newNumber = f.number
		hasChanges = true
	}

	oldStatus := existing.Status
	newStatus := existing.Status
	if oldStatus.IsTerminal() {
		log.Debug().Str("cl_ref_key", valOrEmpty(existing.RefKey)).Str("status", string(oldStatus)).
			Msg("status update skipped: terminal status not overwritten by ERP pull")
	} else if oldStatus != f.status {
		newStatus = f.status
		hasChanges = true
	}

	newClientKey := existing.ClientKey
	if f.clientKey.Valid && existing.ClientKey != f.clientKey {
		newClientKey = f.clientKey
		hasChanges = true
	}
	newClientID := existing.ClientID
	if f.clientID != "" && existing.ClientID != f.clientID {
		newClientID = f.clientID
		hasChanges = true
	}
	newOrgINN := existing.OrgINN
	if f.orgINN != "" && (existing.OrgINN == "" || existing.ClientID != f.clientID) && existing.OrgINN != f.orgINN {
		newOrgINN = f.orgINN
		hasChanges = true
	}
	newConsultationType := existing.ConsultationType
	if existing.ConsultationType != f.consultationType {
		newConsultationType = f.consultationType
		hasChanges = true
	}
	newDenied := existing.Denied
	if existing.Denied != f.denied {
		newDenied = f.denied
		hasChanges = true
	}
	newStart := existing.StartDate
	if !timeEqual(existing.StartDate, f.startDate) {
		newStart = f.startDate
		hasChanges = true
	}
	newEnd := existing.EndDate
	if !timeEqual(existing.EndDate, f.endDate) {
		newEnd = f.endDate
		hasChanges = true
	}
	newComment := existing.Comment
	if f.comment != "" && existing.Comment != f.comment {
		newComment = f.comment
		hasChanges = true
	}

	// Manager null-refusal: a transient missing manager key on the ERP side
	// never clears an already-assigned operator (pull_cons_cl.py:
	// `consultation.manager = new_manager or consultation.manager`).
	newManager := existing.Manager
	managerChanged := false
	if existing.Manager != f.managerKey {
		if !f.managerKey.Valid && existing.Manager.Valid {
			managerChanged = true
		} else if f.managerKey.Valid {
			managerChanged = true
			newManager = f.managerKey
		}
		hasChanges = true
	}

	newAuthor := existing.Author
	if f.authorKey.Valid {
		authorStr := f.authorKey.UUID.String()
		if existing.Author != authorStr {
			newAuthor = authorStr
			hasChanges = true
		}
	}
	newOnlineQuestionCat := existing.OnlineQuestionCat
	if f.onlineQuestionCat.Valid && existing.OnlineQuestionCat != f.onlineQuestionCat {
		newOnlineQuestionCat = f.onlineQuestionCat
		hasChanges = true
	}
	newOnlineQuestion := existing.OnlineQuestion
	if f.onlineQuestion != "" && existing.OnlineQuestion != f.onlineQuestion {
		newOnlineQuestion = f.onlineQuestion
		hasChanges = true
	}
	newSource := existing.Source
	if existing.Source == "" {
		newSource = model.SourceETL
		hasChanges = true
	}

	// Custom-attribute mirroring runs on every pull of an existing
	// consultation, independent of has_changes (pull_cons_cl.py does this
	// unconditionally, ahead of its own has_changes early return).
	if err := p.mirrorCustomAttributes(ctx, existing.ConsID, newNumber, newStart, newEnd, existing.Redate, nil, newConsultationType, newDenied); err != nil {
		log.Warn().Err(err).Str("cons_id", existing.ConsID).Msg("failed to mirror custom attributes to CHAT")
	}

	if !hasChanges {
		return true, nil
	}

	_, err = p.Pool.Exec(ctx, `
		UPDATE cons.consultations SET
			number = $2, status = $3, client_key = $4, client_id = $5, org_inn = $6,
			consultation_type = $7, denied = $8, start_date = $9, end_date = $10,
			comment = $11, manager = $12, author = $13, online_question_cat = $14,
			online_question = $15, source = $16
		WHERE cons_id = $1
	`, existing.ConsID, newNumber, newStatus, newClientKey, nullIfEmpty(newClientID), nullIfEmpty(newOrgINN),
		newConsultationType, newDenied, newStart, newEnd, newComment, newManager, newAuthor,
		newOnlineQuestionCat, nullIfEmpty(newOnlineQuestion), newSource)
	if err != nil {
		return false, err
	}

	if newStatus != oldStatus {
		_ = p.Changes.Record(ctx, existing.ConsID, "status", string(oldStatus), string(newStatus), changelog.OriginETL)
		p.syncStatusToChat(ctx, existing.ConsID, oldStatus, newStatus, newStart, newEnd)
	}

	if managerChanged && newManager.Valid {
		oldManagerStr := ""
		if oldManager.Valid {
			oldManagerStr = oldManager.UUID.String()
		}
		_ = p.Changes.Record(ctx, existing.ConsID, "manager", oldManagerStr, newManager.UUID.String(), changelog.OriginETL)
		notify.ManagerReassignment(ctx, p.Pool, p.Chat, p.Ledger, existing.ConsID, oldManagerStr, newManager.UUID.String(), "Переназначено в ЦЛ")
		notify.QueueUpdate(ctx, p.Chat, p.Ledger, p.Selector, existing.ConsID, newManager.UUID, newConsultationType, p.SendWaitTimeMsg)

		if existing.RefKey.Valid {
			consID, refKey, mk := existing.ConsID, existing.RefKey.UUID.String(), newManager.UUID.String()
			if err := p.ERP.UpdateConsultation(ctx, odata.UpdateConsultationRequest{RefKey: refKey, ManagerKey: &mk}); err != nil {
				log.Warn().Err(err).Str("cons_id", consID).Msg("failed to push manager change back to ERP")
			}
		}
	}

	return false, nil
}

// syncStatusToChat mirrors the ERP-driven status transition into the CHAT
// conversation: closed->resolved with a duration message, open/pending
// passed through directly. Errors never abort item processing.
func (p *Puller) syncStatusToChat(ctx context.Context, consID string, oldStatus, newStatus model.Status, startDate, endDate *time.Time) {
	if !model.ParseConsID(consID).IsValidChatID() {
		return
	}
	switch {
	case newStatus == model.StatusClosed && oldStatus != model.StatusClosed:
		msg := " Заявка была закрыта менеджером."
		if startDate != nil && endDate != nil {
			if minutes := int(endDate.Sub(*startDate).Minutes()); minutes > 0 {
				msg = fmt.Sprintf(" Заявка была закрыта менеджером. Разговор состоялся %d минут.", minutes)
			}
		}
		if err := p.Chat.ToggleConversationStatus(ctx, consID, "resolved"); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to close conversation in CHAT")
			return
		}
		if err := p.Chat.SendMessage(ctx, consID, trimLeft(msg), ""); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send closure message")
		}
	case newStatus == model.StatusOpen && oldStatus != model.StatusOpen:
		open := "open"
		if err := p.Chat.UpdateConversation(ctx, consID, &open, nil); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to reopen conversation in CHAT")
		}
	case newStatus == model.StatusPending && oldStatus != model.StatusPending:
		pending := "pending"
		if err := p.Chat.UpdateConversation(ctx, consID, &pending, nil); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to set pending status in CHAT")
		}
	}
}

// mirrorCustomAttributes pushes the mirrored field subset to CHAT on every
// pulled update, not only on a diff -- a full rebuild rather than an
// incremental patch. A 404 or any other CHAT error is downgraded to a
// warning, never aborts the item.
func (p *Puller) mirrorCustomAttributes(ctx context.Context, consID, number string, startDate, endDate, redate *time.Time, redateTime *string, consultationType model.ConsultationType, denied bool) error {
	if !model.ParseConsID(consID).IsValidChatID() {
		return nil
	}
	attrs := map[string]any{}
	if number != "" {
		attrs["number_con"] = number
	}
	if startDate != nil {
		attrs["date_con"] = startDate.UTC().Format("2006-01-02T15:04:05")
	}
	if endDate != nil {
		attrs["con_end"] = endDate.UTC().Format("2006-01-02T15:04:05")
	}
	if redate != nil {
		attrs["redate_con"] = redate.UTC().Format("2006-01-02T15:04:05")
	}
	if redateTime != nil {
		attrs["retime_con"] = *redateTime
	}
	if consultationType != "" {
		attrs["consultation_type"] = string(consultationType)
	}
	attrs["closed_without_con"] = denied

	if len(attrs) == 0 {
		return nil
	}
	var nfErr chatclient.NotFoundError
	err := p.Chat.UpdateConversationCustomAttributes(ctx, consID, attrs)
	if errors.As(err, &nfErr) {
		log.Warn().Str("cons_id", consID).Msg("conversation not found in CHAT, skipping custom_attributes update")
		return nil
	}
	return err
}

// rebuildQA deletes and re-inserts the cons.q_and_a rows for this
// consultation: КонсультацииИТС numbered from 1, ВопросыИОтветы numbered
// from 1000 so the two arrays never collide (pull_cons_cl.py).
func (p *Puller) rebuildQA(ctx context.Context, refKey uuid.UUID, consID string, it item) error {
	if _, err := p.Pool.Exec(ctx, `DELETE FROM cons.q_and_a WHERE cons_ref_key = $1`, refKey); err != nil {
		return err
	}
	for idx, qa := range it.ConsultationsITS {
		lineNumber := idx + 1
		if qa.LineNumber != 0 {
			lineNumber = qa.LineNumber
		}
		_, err := p.Pool.Exec(ctx, `
			INSERT INTO cons.q_and_a
				(cons_ref_key, cons_id, line_number, po_type_key, po_section_key,
				 con_blocks_key, manager_help_key, is_repeat, question, answer)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, refKey, consID, lineNumber, nullableUUID(qa.POTypeKey), nullableUUID(qa.POSectionKey),
			nullableUUID(qa.ConBlocksKey), nullableUUID(qa.ManagerHelpKey), qa.IsRepeat, qa.Question, qa.Answer)
		if err != nil {
			return err
		}
	}
	for idx, qa := range it.QuestionsAndAnswers {
		lineNumber := 1000 + idx
		_, err := p.Pool.Exec(ctx, `
			INSERT INTO cons.q_and_a (cons_ref_key, cons_id, line_number, question, answer)
			VALUES ($1,$2,$3,$4,$5)
		`, refKey, consID, lineNumber, qa.Question, qa.Answer)
		if err != nil {
			return err
		}
	}
	return nil
}

// refreshAggregates recomputes con_blocks (first non-null block key in
// q_and_a) and con_calls (JSON array of dial attempts).
func (p *Puller) refreshAggregates(ctx context.Context, refKey uuid.UUID) error {
	var conBlocks uuid.NullUUID
	_ = p.Pool.QueryRow(ctx, `
		SELECT con_blocks_key FROM cons.q_and_a WHERE cons_ref_key = $1 AND con_blocks_key IS NOT NULL LIMIT 1
	`, refKey).Scan(&conBlocks)

	var conCalls []byte
	_ = p.Pool.QueryRow(ctx, `
		SELECT json_agg(json_build_object('period', period, 'manager', manager) ORDER BY period)
		FROM cons.calls WHERE cons_key = $1
	`, refKey).Scan(&conCalls)

	if !conBlocks.Valid && len(conCalls) == 0 {
		return nil
	}
	_, err := p.Pool.Exec(ctx, `
		UPDATE cons.consultations SET
			con_blocks = COALESCE($2, con_blocks),
			con_calls  = COALESCE($3, con_calls)
		WHERE cl_ref_key = $1
	`, refKey, conBlocks, nullIfEmptyBytes(conCalls))
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfEmptyBytes(b []byte) *string {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	s := string(b)
	return &s
}

func nullableUUID(raw string) uuid.NullUUID {
	return mapper.CleanUUID(raw)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func valOrEmpty(id uuid.NullUUID) string {
	if id.Valid {
		return id.UUID.String()
	}
	return ""
}

func trimLeft(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	return s
}
