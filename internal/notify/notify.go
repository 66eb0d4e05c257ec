// Package notify holds the two CHAT-side notifications that fire on a
// manager reassignment, shared between the webhook reconciler and the
// consultations ETL. Both call sites pass the same Ledger/Chat/Selector
// trio; factoring the logic here keeps the two Go callers from drifting.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conslink/consync/internal/chatclient"
	"github.com/conslink/consync/internal/model"
	"github.com/conslink/consync/internal/notifyledger"
	"github.com/conslink/consync/internal/operator"
)

// ManagerReassignment sends the CHAT-side "transferred to another
// specialist" message, deduplicated by the notification ledger so a retried
// webhook delivery or a re-run ETL batch never double-sends, then mirrors
// the new manager onto the conversation's assigned Chatwoot agent (or
// clears the assignee when newManager is empty) -- carried from
// manager_notifications.py's combined notify+assign behavior.
func ManagerReassignment(ctx context.Context, pool *pgxpool.Pool, chat *chatclient.Client, ledger *notifyledger.Ledger, consID, oldManager, newManager, reason string) {
	data := map[string]any{"old_manager_key": oldManager, "new_manager_key": newManager, "reason": reason}
	alreadySent, err := ledger.CheckAndLog(ctx, "manager_reassignment", consID, data)
	if err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to check reassignment notification ledger")
		return
	}
	if !alreadySent {
		if err := chat.SendMessage(ctx, consID, "Консультация передана другому специалисту.", ""); err != nil {
			log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send reassignment notification")
		}
	}
	assignConversationAgent(ctx, pool, chat, consID, newManager)
}

// assignConversationAgent mirrors managerKey onto the conversation's
// Chatwoot assignee, looking up the operator's chatwoot_user_id from
// cons.users. An empty managerKey unassigns. Unmapped operators (no
// chatwoot_user_id on file) leave the conversation unassigned rather than
// erroring, matching the original's "no mapping, skip assignment" fallback.
func assignConversationAgent(ctx context.Context, pool *pgxpool.Pool, chat *chatclient.Client, consID, managerKey string) {
	if !model.ParseConsID(consID).IsValidChatID() {
		return
	}

	var agentID *string
	if managerKey != "" {
		if mk, err := uuid.Parse(managerKey); err == nil {
			var chatwootUserID string
			err := pool.QueryRow(ctx,
				`SELECT chatwoot_user_id FROM cons.users WHERE ref_key = $1 AND chatwoot_user_id <> ''`, mk,
			).Scan(&chatwootUserID)
			if err == nil && chatwootUserID != "" {
				agentID = &chatwootUserID
			}
		}
	}

	if err := chat.AssignConversationAgent(ctx, consID, agentID); err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to assign conversation agent")
	}
}

// QueueUpdate sends the new operator's queue position/wait-time estimate to
// the consultation's conversation, deduplicated by the ledger. A nil
// selector is a no-op (the caller didn't wire one, e.g. in a test).
// Tech-support consultations have no operator queue to report a position in,
// so they're skipped outright; showWaitTime controls whether the message
// includes the wait estimate (a minutes range when wait.ShowRange is set,
// otherwise a single minutes figure) or just the bare queue position.
func QueueUpdate(ctx context.Context, chat *chatclient.Client, ledger *notifyledger.Ledger, selector *operator.Selector, consID string, managerKey uuid.UUID, consultationType model.ConsultationType, showWaitTime bool) {
	if selector == nil || consultationType == model.ConsultationTechSupport {
		return
	}
	wait, err := selector.CalculateWaitTime(ctx, managerKey, nil)
	if err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to calculate wait time for queue update notification")
		return
	}
	data := map[string]any{"manager_key": managerKey.String(), "queue_position": wait.QueuePosition}
	alreadySent, err := ledger.CheckAndLog(ctx, "queue_update", consID, data)
	if err != nil || alreadySent {
		return
	}
	msg := fmt.Sprintf("Вы в очереди на позиции %d.", wait.QueuePosition)
	if showWaitTime && wait.ShowRange {
		msg = fmt.Sprintf("Вы в очереди на позиции %d. Ожидаемое время ожидания: %d-%d мин.",
			wait.QueuePosition, wait.EstimatedWaitMinutesMin, wait.EstimatedWaitMinutesMax)
	} else if showWaitTime {
		msg = fmt.Sprintf("Вы в очереди на позиции %d. Ожидаемое время ожидания: %d мин.",
			wait.QueuePosition, wait.EstimatedWaitMinutes)
	}
	if err := chat.SendMessage(ctx, consID, msg, ""); err != nil {
		log.Warn().Err(err).Str("cons_id", consID).Msg("failed to send queue update notification")
	}
}
