package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Server holds the dependencies for the webhook HTTP endpoint.
type Server struct {
	DB          *pgxpool.Pool
	Reconciler  *Reconciler
	Secret      string
	DevMode     bool
}

// Routes builds the webhook router: request id/logging/recovery middleware
// plus an unauthenticated health check.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/webhooks/chat", s.handleChatWebhook)
	return r
}

// handleChatWebhook verifies the HMAC signature, persists the raw payload to
// log.webhook_log before any processing (so a crash mid-handler still leaves
// an audit trail), dispatches to the Reconciler, then marks the row
// processed or records the error.
func (s *Server) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	logID, err := s.insertWebhookLog(ctx, body)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist webhook log")
	}

	sig := SignatureFromRequest(r)
	if err := VerifySignature(body, sig, s.Secret, s.DevMode); err != nil {
		s.markWebhookLog(ctx, logID, err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	env, err := parseEnvelope(body)
	if err != nil {
		s.markWebhookLog(ctx, logID, err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	result, err := s.Reconciler.HandleEvent(ctx, env)
	if err != nil {
		s.markWebhookLog(ctx, logID, err)
		log.Error().Err(err).Str("event", string(env.Event)).Msg("webhook processing failed")
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	s.markWebhookLog(ctx, logID, nil)
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Message: result.Message})
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode webhook response")
	}
}

func (s *Server) insertWebhookLog(ctx context.Context, payload []byte) (int64, error) {
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO log.webhook_log (payload, processed, created_at)
		VALUES ($1, false, now())
		RETURNING id
	`, payload).Scan(&id)
	return id, err
}

func (s *Server) markWebhookLog(ctx context.Context, id int64, procErr error) {
	if id == 0 {
		return
	}
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	if _, err := s.DB.Exec(ctx, `
		UPDATE log.webhook_log SET processed = $2, error = NULLIF($3, '') WHERE id = $1
	`, id, procErr == nil, errMsg); err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("failed to update webhook log status")
	}
}
