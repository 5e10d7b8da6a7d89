package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const probeTimeout = 2 * time.Second

// Health runs every readiness probe and answers 503 when any of them fails.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	names := make([]string, 0, len(a.Probes))
	for name := range a.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	code, status := http.StatusOK, "ok"
	for _, name := range names {
		if err := a.Probes[name](ctx); err != nil {
			a.Logger.Warn().Err(err).Str("dependency", name).Msg("readiness probe failed")
			checks[name] = "down"
			code, status = http.StatusServiceUnavailable, "degraded"
			continue
		}
		checks[name] = "up"
	}

	a.json(w, code, map[string]any{"status": status, "checks": checks})
}
