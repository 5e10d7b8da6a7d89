package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/artifacts"
	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/middleware"
	"github.com/lantianlaoli/flowtra/internal/reconcile"
	"github.com/lantianlaoli/flowtra/internal/workflow"
)

// WebhookConfig restricts who may push task notifications.
type WebhookConfig struct {
	// Allow reports whether a {provider} path segment is a configured source.
	Allow func(provider string) bool
	// Secret, when set, must match the X-Webhook-Secret header.
	Secret string
}

// App carries the collaborators shared by every handler.
type App struct {
	Controller *workflow.Controller
	Engine     *reconcile.Engine
	Store      domain.Store
	Artifacts  *artifacts.Cache
	Webhooks   WebhookConfig
	// Probes are readiness checks run by Health, keyed by dependency name.
	Probes     map[string]func(context.Context) error
	Logger     zerolog.Logger
}

func NewApp(ctrl *workflow.Controller, engine *reconcile.Engine, store domain.Store, cache *artifacts.Cache, webhooks WebhookConfig, logger zerolog.Logger) *App {
	return &App{
		Controller: ctrl,
		Engine:     engine,
		Store:      store,
		Artifacts:  cache,
		Webhooks:   webhooks,
		Logger:     logger.With().Str("component", "http").Logger(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, details string) {
	a.json(w, code, map[string]string{"error": errCode, "details": details})
}

// fail maps a domain error onto the HTTP error envelope.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownKind):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "workflow not found")
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrStaleState):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrProviderSubmission):
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("provider submission failed")
		a.error(w, http.StatusInternalServerError, "provider_error", "generation provider rejected the request")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
