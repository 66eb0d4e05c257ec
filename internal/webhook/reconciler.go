// Reconciler applies CHAT-originated edits to the Postgres-side store,
// which is the middleware's own source of truth for those edits: no ERP
// write happens synchronously, it is always dispatched to the background
// work queue so the HTTP response never waits on an external call.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/changelog"
	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/jobsched"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/notify"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/odata"
	"github.com/conslink/consync/internal/operator"
)

// storedConsultation is the subset of cons.consultations touched by the
// reconciler.
type storedConsultation struct {
	ConsID           string
	RefKey           uuid.NullUUID
	Status           model.Status
	ConsultationType model.ConsultationType
	Manager          uuid.NullUUID
	StartDate        *time.Time
	EndDate          *time.Time
	Redate           *time.Time
	RedateTime       *string
	Denied           bool
}

// onecStatusMapping is the outgoing CHAT->ERP status translation (
// decision 3). TODO: "other" and "new" have no ERP-side equivalent word yet;
// they pass through unchanged until ERP defines one.
var onecStatusMapping = map[model.Status]string{
	model.StatusOpen:     "new",
	model.StatusPending:  "in_progress",
	model.StatusResolved: "closed",
}

// Reconciler wires the store, CHAT/ERP clients and the background queue
// needed to process one webhook event.
type Reconciler struct {
	pool            *pgxpool.Pool
	chat            *chatclient.Client
	erp             *odata.Client
	changes         *changelog.Log
	ledger          *notifyledger.Ledger
	selector        *operator.Selector
	queue           *jobsched.WorkQueue
	devMode         bool
	webhookSecret   string
	sendWaitTimeMsg bool
}

func NewReconciler(pool *pgxpool.Pool, chat *chatclient.Client, erp *odata.Client, changes *changelog.Log, ledger *notifyledger.Ledger, selector *operator.Selector, queue *jobsched.WorkQueue, webhookSecret string, devMode, sendWaitTimeMsg bool) *Reconciler {
	return &Reconciler{
		pool: pool, chat: chat, erp: erp, changes: changes, ledger: ledger,
		selector: selector, queue: queue, webhookSecret: webhookSecret, devMode: devMode,
		sendWaitTimeMsg: sendWaitTimeMsg,
	}
}

// Result is what HandleEvent reports back to the HTTP layer.
type Result struct {
	Message string
}

func (rc *Reconciler) loadConsultation(ctx context.Context, consID string) (*storedConsultation, error) {
	var c storedConsultation
	err := rc.pool.QueryRow(ctx, `
		SELECT cons_id, cl_ref_key, status, consultation_type, manager,
		       start_date, end_date, redate, redate_time, denied
		FROM cons.consultations WHERE cons_id = $1
	`, consID).Scan(&c.ConsID, &c.RefKey, &c.Status, &c.ConsultationType, &c.Manager,
		&c.StartDate, &c.EndDate, &c.Redate, &c.RedateTime, &c.Denied)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// HandleEvent dispatches on event type. It never returns an HTTP-facing error
// for a business-logic refusal (e.g. the closure guard) -- only for
// store/transport failures, which the caller turns into a 500 so CHAT retries
// the delivery.
func (rc *Reconciler) HandleEvent(ctx context.Context, env Envelope) (Result, error) {
	switch env.Event {
	case EventConversationCreated:
		return rc.handleCreated(ctx, env)
	case EventConversationUpdated:
		return rc.handleUpdated(ctx, env)
	case EventConversationStatusChanged, EventConversationResolved:
		return rc.handleStatusChanged(ctx, env)
	case EventMessageCreated:
		msg, err := env.message()
		if err != nil {
			return Result{}, err
		}
		if msg != nil {
			log.Debug().Int64("conversation_id", msg.ConversationID).Msg("message.created webhook received, no store action")
		}
		return Result{Message: "processed message.created"}, nil
	default:
		log.Warn().Str("event", string(env.Event)).Msg("unhandled webhook event type")
		return Result{Message: fmt.Sprintf("ignored %s", env.Event)}, nil
	}
}

func (rc *Reconciler) handleCreated(ctx context.Context, env Envelope) (Result, error) {
	conv, err := env.conversation()
	if err != nil || conv == nil {
		return Result{}, err
	}
	consID := fmt.Sprintf("%d", conv.ID)
	existing, err := rc.loadConsultation(ctx, consID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{Message: "conversation already known"}, nil
	}
	_, err = rc.pool.Exec(ctx, `
		INSERT INTO cons.consultations (cons_id, status, create_date, source)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (cons_id) DO NOTHING
	`, consID, conv.Status, model.SourceCHAT)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: "created"}, nil
}

func (rc *Reconciler) handleUpdated(ctx context.Context, env Envelope) (Result, error) {
	conv, err := env.conversation()
	if err != nil || conv == nil {
		return Result{}, err
	}
	consID := fmt.Sprintf("%d", conv.ID)
	existing, err := rc.loadConsultation(ctx, consID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{Message: "conversation not found, ignoring update"}, nil
	}

	if conv.Status != "" && conv.Status != string(existing.Status) {
		refused, result, err := rc.applyStatusChange(ctx, existing, conv.Status)
		if err != nil {
			return Result{}, err
		}
		if refused {
			return result, nil
		}
	}

	if conv.Assignee != nil {
		if err := rc.applyAssigneeChange(ctx, existing, conv.Assignee.ID); err != nil {
			return Result{}, err
		}
	} else if existing.Manager.Valid {
		// assignee explicitly cleared
		if _, err := rc.pool.Exec(ctx, `UPDATE cons.consultations SET manager = NULL WHERE cons_id = $1`, consID); err != nil {
			return Result{}, err
		}
		_ = rc.changes.Record(ctx, consID, "manager", existing.Manager.UUID.String(), nil, changelog.OriginCHAT)
	}

	if len(conv.CustomAttributes) > 0 {
		if err := rc.applyCustomAttributesChange(ctx, existing, conv.CustomAttributes); err != nil {
			return Result{}, err
		}
	}

	return Result{Message: "updated"}, nil
}

func (rc *Reconciler) handleStatusChanged(ctx context.Context, env Envelope) (Result, error) {
	conv, err := env.conversation()
	if err != nil || conv == nil {
		return Result{}, err
	}
	newStatus := conv.Status
	if newStatus == "" && env.Event == EventConversationResolved {
		newStatus = string(model.StatusResolved)
	}
	if newStatus == "" {
		return Result{Message: fmt.Sprintf("processed %s (no status)", env.Event)}, nil
	}
	consID := fmt.Sprintf("%d", conv.ID)
	existing, err := rc.loadConsultation(ctx, consID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{Message: "conversation not found, ignoring status change"}, nil
	}
	if newStatus == string(existing.Status) {
		return Result{Message: "status unchanged"}, nil
	}

	refused, result, err := rc.applyStatusChange(ctx, existing, newStatus)
	if err != nil {
		return Result{}, err
	}
	if refused {
		return result, nil
	}

	if (newStatus == string(model.StatusResolved) || newStatus == string(model.StatusClosed)) && existing.EndDate == nil {
		now := time.Now().UTC()
		if _, err := rc.pool.Exec(ctx, `UPDATE cons.consultations SET end_date = $2 WHERE cons_id = $1`, consID, now); err != nil {
			return Result{}, err
		}
	}
	return Result{Message: "status updated"}, nil
}

// applyStatusChange is the shared status-transition path for
// conversation.updated and conversation.status_changed/resolved: refuses a
// client-initiated closure of an accounting consultation by reverting the
// CHAT side and leaving the store untouched (-refusal
// rule), otherwise writes the new status, logs it, and dispatches the ERP
// write-back in the background.
func (rc *Reconciler) applyStatusChange(ctx context.Context, existing *storedConsultation, newStatus string) (refused bool, result Result, err error) {
	if existing.ConsultationType == model.ConsultationAccounting &&
		(newStatus == string(model.StatusResolved) || newStatus == string(model.StatusClosed)) {
		revertTo := string(existing.Status)
		if revertTo == "" {
			revertTo = string(model.StatusOpen)
		}
		log.Warn().Str("cons_id", existing.ConsID).Str("attempted_status", newStatus).
			Msg("client attempted to close an accounting consultation, reverting")
		if err := rc.chat.UpdateConversation(ctx, existing.ConsID, &revertTo, nil); err != nil {
			log.Error().Err(err).Str("cons_id", existing.ConsID).Msg("failed to revert conversation status in CHAT")
		}
		return true, Result{Message: "status change denied for accounting consultation"}, nil
	}

	oldStatus := existing.Status
	if _, err := rc.pool.Exec(ctx, `UPDATE cons.consultations SET status = $2 WHERE cons_id = $1`, existing.ConsID, newStatus); err != nil {
		return false, Result{}, err
	}
	if err := rc.changes.Record(ctx, existing.ConsID, "status", string(oldStatus), newStatus, changelog.OriginCHAT); err != nil {
		log.Warn().Err(err).Msg("failed to record status change log")
	}

	if existing.RefKey.Valid {
		consID, refKey := existing.ConsID, existing.RefKey.UUID.String()
		onecStatus, ok := onecStatusMapping[model.Status(newStatus)]
		if !ok {
			onecStatus = newStatus
		}
		rc.queue.Submit(func(taskCtx context.Context) {
			if err := rc.erp.UpdateConsultation(taskCtx, odata.UpdateConsultationRequest{
				RefKey: refKey,
				Status: &onecStatus,
			}); err != nil {
				log.Warn().Err(err).Str("cons_id", consID).Msg("failed to sync status change to ERP")
				return
			}
			if err := rc.changes.MarkSynced(taskCtx, consID, "status", false, true); err != nil {
				log.Warn().Err(err).Str("cons_id", consID).Msg("failed to mark status change as synced")
			}
		})
	}
	return false, Result{}, nil
}

// applyAssigneeChange maps the CHAT assignee to an ERP operator via
// cons.user_mapping. When no mapping exists it logs a warning and leaves the
// stored manager unchanged; the raw CHAT user id is not stored.
func (rc *Reconciler) applyAssigneeChange(ctx context.Context, existing *storedConsultation, chatwootUserID int64) error {
	var mapped uuid.UUID
	err := rc.pool.QueryRow(ctx, `
		SELECT cl_manager_key FROM cons.user_mapping WHERE chatwoot_user_id = $1 LIMIT 1
	`, chatwootUserID).Scan(&mapped)

	var newManager uuid.NullUUID
	switch {
	case err == nil:
		newManager = uuid.NullUUID{UUID: mapped, Valid: true}
	case errors.Is(err, pgx.ErrNoRows):
		log.Warn().Int64("chatwoot_user_id", chatwootUserID).Msg("no operator mapping for CHAT assignee, leaving manager unset")
		return nil
	default:
		return err
	}

	if existing.Manager.Valid && existing.Manager.UUID == newManager.UUID {
		return nil
	}

	if _, err := rc.pool.Exec(ctx, `UPDATE cons.consultations SET manager = $2 WHERE cons_id = $1`, existing.ConsID, newManager); err != nil {
		return err
	}

	oldManager := ""
	if existing.Manager.Valid {
		oldManager = existing.Manager.UUID.String()
	}
	if err := rc.changes.Record(ctx, existing.ConsID, "manager", oldManager, newManager.UUID.String(), changelog.OriginCHAT); err != nil {
		log.Warn().Err(err).Msg("failed to record manager change log")
	}

	notify.ManagerReassignment(ctx, rc.pool, rc.chat, rc.ledger, existing.ConsID, oldManager, newManager.UUID.String(), "reassigned in CHAT")
	notify.QueueUpdate(ctx, rc.chat, rc.ledger, rc.selector, existing.ConsID, newManager.UUID, existing.ConsultationType, rc.sendWaitTimeMsg)

	if existing.RefKey.Valid {
		consID, refKey, managerKey := existing.ConsID, existing.RefKey.UUID.String(), newManager.UUID.String()
		rc.queue.Submit(func(taskCtx context.Context) {
			if err := rc.erp.UpdateConsultation(taskCtx, odata.UpdateConsultationRequest{
				RefKey:     refKey,
				ManagerKey: &managerKey,
			}); err != nil {
				log.Warn().Err(err).Str("cons_id", consID).Msg("failed to sync manager reassignment to ERP")
			}
		})
	}
	return nil
}

func (rc *Reconciler) applyCustomAttributesChange(ctx context.Context, existing *storedConsultation, attrs map[string]any) error {
	diff := applyCustomAttributes(attrs, existing.StartDate, existing.EndDate, existing.Redate, existing.RedateTime, existing.Denied)
	if !diff.StartDateChanged && !diff.EndDateChanged && !diff.RedateChanged && !diff.RedateTimeChanged && !diff.DeniedChanged {
		return nil
	}

	_, err := rc.pool.Exec(ctx, `
		UPDATE cons.consultations SET
			start_date  = COALESCE($2, start_date),
			end_date    = COALESCE($3, end_date),
			redate      = COALESCE($4, redate),
			redate_time = COALESCE($5, redate_time),
			denied      = COALESCE($6, denied)
		WHERE cons_id = $1
	`, existing.ConsID, diff.StartDate, diff.EndDate, diff.Redate, diff.RedateTime, diff.Denied)
	if err != nil {
		return err
	}

	if diff.StartDateChanged {
		_ = rc.changes.Record(ctx, existing.ConsID, "start_date", existing.StartDate, diff.StartDate, changelog.OriginCHAT)
	}
	if diff.EndDateChanged {
		_ = rc.changes.Record(ctx, existing.ConsID, "end_date", existing.EndDate, diff.EndDate, changelog.OriginCHAT)
	}
	if diff.RedateChanged {
		_ = rc.changes.Record(ctx, existing.ConsID, "redate", existing.Redate, diff.Redate, changelog.OriginCHAT)
	}
	if diff.RedateTimeChanged {
		_ = rc.changes.Record(ctx, existing.ConsID, "redate_time", existing.RedateTime, diff.RedateTime, changelog.OriginCHAT)
	}
	if diff.DeniedChanged {
		_ = rc.changes.Record(ctx, existing.ConsID, "denied", existing.Denied, diff.Denied, changelog.OriginCHAT)
	}
	return nil
}
