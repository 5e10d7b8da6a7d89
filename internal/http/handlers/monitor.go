package handlers

import (
	"net/http"
)

// MonitorTasks runs one reconciliation sweep. Overlapping calls are safe.
func (a *App) MonitorTasks(w http.ResponseWriter, r *http.Request) {
	report, err := a.Engine.Sweep(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": report.Processed,
		"completed": report.Completed,
		"failed":    report.Failed,
		"total":     report.Total,
	})
}
