package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/reconcile"
)

const maxWebhookBody = 1 << 20

type webhookPayload struct {
	TaskID string `json:"task_id"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Data   struct {
		TaskID     string   `json:"taskId"`
		ResultURLs []string `json:"result_urls"`
		Text       string   `json:"text"`
		Error      string   `json:"error"`
	} `json:"data"`
}

func (p webhookPayload) notification(provider string) reconcile.Notification {
	taskID := p.TaskID
	if taskID == "" {
		taskID = p.Data.TaskID
	}
	return reconcile.Notification{
		Provider:   provider,
		TaskID:     taskID,
		Code:       p.Code,
		Message:    p.Msg,
		ResultURLs: p.Data.ResultURLs,
		Text:       p.Data.Text,
		Error:      p.Data.Error,
	}
}

// ProviderWebhook accepts task completion pushes. Once the body parses it
// answers 200 even for unknown or already reconciled tasks, so providers
// never retry a delivery we have decided to drop.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if a.Webhooks.Allow == nil || !a.Webhooks.Allow(provider) {
		a.error(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	if a.Webhooks.Secret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.Webhooks.Secret)) != 1 {
			a.error(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
			return
		}
	}

	var payload webhookPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	n := payload.notification(provider)
	outcome, err := a.Engine.HandleNotification(r.Context(), n)
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("provider", provider).Str("task_id", n.TaskID).Msg("webhook processing failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"success": true, "outcome": outcome})
}
