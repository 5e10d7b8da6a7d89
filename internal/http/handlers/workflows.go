package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lantianlaoli/flowtra/internal/artifacts"
	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/workflow"
	"github.com/lantianlaoli/flowtra/pkg/zip"
)

const maxStartBody = 1 << 20

type startResponse struct {
	Success            bool   `json:"success"`
	WorkflowID         string `json:"workflow_id"`
	Status             string `json:"status"`
	ProgressPercentage int    `json:"progress_percentage"`
	CreditsUsed        int    `json:"credits_used"`
}

// StartWorkflow validates and submits a new instance of {kind}.
func (a *App) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	kind := domain.WorkflowKind(chi.URLParam(r, "kind"))

	var in domain.WorkflowInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxStartBody)).Decode(&in); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	inst, err := a.Controller.Start(r.Context(), userID, kind, in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, startResponse{
		Success:            true,
		WorkflowID:         inst.ID,
		Status:             string(inst.Status),
		ProgressPercentage: inst.Progress,
		CreditsUsed:        inst.CreditsCharged,
	})
}

type segmentView struct {
	Index        int    `json:"index"`
	Status       string `json:"status"`
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type statusResponse struct {
	WorkflowID         string              `json:"workflow_id"`
	Kind               string              `json:"kind"`
	Status             string              `json:"status"`
	CurrentStep        string              `json:"current_step"`
	Message            string              `json:"message"`
	ProgressPercentage int                 `json:"progress_percentage"`
	Artifacts          map[string][]string `json:"artifacts"`
	FinalArtifactURL   string              `json:"final_artifact_url,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	BillingMode        string              `json:"billing_mode"`
	BillingState       string              `json:"billing_state"`
	Downloaded         bool                `json:"downloaded"`
	Segments           []segmentView       `json:"segments,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// WorkflowStatus is read-only and safe to poll at any rate.
func (a *App) WorkflowStatus(w http.ResponseWriter, r *http.Request) {
	inst, table, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		WorkflowID:         inst.ID,
		Kind:               string(inst.Kind),
		Status:             string(inst.Status),
		CurrentStep:        inst.CurrentStep,
		Message:            table.Message(inst.Status),
		ProgressPercentage: inst.Progress,
		Artifacts:          inst.Artifacts,
		FinalArtifactURL:   inst.FinalArtifactURL,
		ErrorMessage:       inst.ErrorMessage,
		BillingMode:        string(inst.BillingMode),
		BillingState:       string(inst.BillingState()),
		Downloaded:         inst.Downloaded,
		UpdatedAt:          inst.UpdatedAt,
	}
	if _, fanOut := table.FanOutStep(); fanOut {
		segs, err := a.Store.Segments().List(r.Context(), inst.ID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		for _, s := range segs {
			resp.Segments = append(resp.Segments, segmentView{
				Index:        s.Index,
				Status:       string(s.Status),
				VideoURL:     s.VideoURL,
				ErrorMessage: s.ErrorMessage,
			})
		}
	}
	a.json(w, http.StatusOK, resp)
}

// DownloadWorkflow streams the final artifact, or a zip of it plus every
// segment video with ?format=zip. Artifacts are fetched before the download
// is billed, so a failed fetch charges nothing and leaves downloaded unset.
func (a *App) DownloadWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	if inst.Status != domain.StatusCompleted || inst.FinalArtifactURL == "" {
		a.fail(w, r, fmt.Errorf("%w: workflow is %s", domain.ErrNotReady, inst.Status))
		return
	}
	zipped := r.URL.Query().Get("format") == "zip"

	final, err := a.Artifacts.Fetch(r.Context(), inst.ID, artifacts.Name("final", inst.FinalArtifactURL), inst.FinalArtifactURL)
	if err != nil {
		a.Logger.Error().Err(err).Str("workflow_id", inst.ID).Msg("artifact fetch failed")
		a.error(w, http.StatusBadGateway, "artifact_unavailable", "could not fetch the generated artifact")
		return
	}
	var assets []zip.Asset
	if zipped {
		if assets, err = a.bundle(r.Context(), inst, final); err != nil {
			a.Logger.Error().Err(err).Str("workflow_id", inst.ID).Msg("bundle failed")
			a.error(w, http.StatusBadGateway, "artifact_unavailable", "could not fetch the segment videos")
			return
		}
	}

	inst, charged, err := a.Controller.ChargeDownload(r.Context(), inst.OwnerID, inst.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("X-Credits-Charged", strconv.Itoa(charged))

	if !zipped {
		w.Header().Set("Content-Type", final.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s"`, inst.ID, final.Name))
		w.Header().Set("Content-Length", strconv.Itoa(len(final.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(final.Data)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, inst.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, assets, inst.UpdatedAt); err != nil {
		a.Logger.Error().Err(err).Str("workflow_id", inst.ID).Msg("zip stream failed")
	}
}

func (a *App) bundle(ctx context.Context, inst *domain.WorkflowInstance, final artifacts.Artifact) ([]zip.Asset, error) {
	assets := []zip.Asset{{Filename: final.Name, MIME: final.ContentType, Data: final.Data}}
	segs, err := a.Store.Segments().List(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		if s.Status != domain.SegmentCompleted || s.VideoURL == "" {
			continue
		}
		art, err := a.Artifacts.Fetch(ctx, inst.ID, artifacts.Name(fmt.Sprintf("segment-%d", s.Index+1), s.VideoURL), s.VideoURL)
		if err != nil {
			return nil, err
		}
		assets = append(assets, zip.Asset{Filename: art.Name, MIME: art.ContentType, Data: art.Data})
	}
	return assets, nil
}

// RetryWorkflow re-analyzes a failed instance from its re-entry step.
func (a *App) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, _, ok := a.loadOwned(w, r)
	if !ok {
		return
	}
	next, err := a.Controller.Reanalyze(r.Context(), inst.OwnerID, inst.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, startResponse{
		Success:            true,
		WorkflowID:         next.ID,
		Status:             string(next.Status),
		ProgressPercentage: next.Progress,
		CreditsUsed:        next.OutstandingCharge(),
	})
}

// loadOwned resolves {kind}/{id} for the current user. Instances of another
// kind or owner are reported as not found.
func (a *App) loadOwned(w http.ResponseWriter, r *http.Request) (*domain.WorkflowInstance, *workflow.Table, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, nil, false
	}
	kind := domain.WorkflowKind(chi.URLParam(r, "kind"))
	table, ok := workflow.Lookup(kind)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unknown workflow kind")
		return nil, nil, false
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return nil, nil, false
	}
	inst, err := a.Store.Workflows().GetOwned(r.Context(), userID, id)
	if err == nil && inst.Kind != kind {
		err = domain.ErrNotFound
	}
	if err != nil {
		a.fail(w, r, err)
		return nil, nil, false
	}
	return inst, table, true
}
