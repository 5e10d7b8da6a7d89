package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// WorkflowKind names one pipeline variant. Each kind owns a step table.
type WorkflowKind string

const (
	KindImageToVideo          WorkflowKind = "single-image-to-video"
	KindCharacterSpokesperson WorkflowKind = "character-spokesperson"
	KindMultiSegment          WorkflowKind = "multi-segment-replication"
)

// Status is either a lifecycle marker or the name of the step being executed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is expected without a user
// triggered re-analysis.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BillingMode selects when credits leave the user's balance.
type BillingMode string

const (
	BillingAtGeneration BillingMode = "charge_at_generation"
	BillingAtDownload   BillingMode = "charge_at_download"
)

// BillingState is the single billing fact that holds for an instance.
type BillingState string

const (
	BillingNeverCharged BillingState = "never_charged"
	BillingCharged      BillingState = "charged"
	BillingRefunded     BillingState = "refunded"
)

// WorkflowInput is the kind-specific request body accepted by Start.
type WorkflowInput struct {
	ImageURL          string `json:"image_url,omitempty"`
	ProductID         string `json:"product_id,omitempty"`
	ProductName       string `json:"product_name,omitempty"`
	BrandID           string `json:"brand_id,omitempty"`
	BrandName         string `json:"brand_name,omitempty"`
	CharacterImageURL string `json:"character_image_url,omitempty"`
	Model             string `json:"model,omitempty"`
	AspectRatio       string `json:"aspect_ratio,omitempty"`
	Language          string `json:"language,omitempty"`
	CustomScript      bool   `json:"custom_script,omitempty"`
	Script            string `json:"script,omitempty"`
	SegmentCount      int    `json:"segment_count,omitempty"`
}

// WorkflowInstance is the durable record of one generation job.
type WorkflowInstance struct {
	ID                  string
	OwnerID             string
	Kind                WorkflowKind
	Status              Status
	CurrentStep         string
	Progress            int
	Input               WorkflowInput
	TaskHandles         map[string][]string
	Artifacts           map[string][]string
	Outputs             map[string]string
	FinalArtifactURL    string
	BillingMode         BillingMode
	CreditsReserved     int
	CreditsCharged      int
	CreditsRefunded     int
	Downloaded          bool
	DownloadCreditsUsed int
	ErrorMessage        string
	Version             int
	LastProcessedAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so a transition can be prepared without touching
// the observed state.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	out := *w
	out.TaskHandles = cloneLists(w.TaskHandles)
	out.Artifacts = cloneLists(w.Artifacts)
	out.Outputs = make(map[string]string, len(w.Outputs))
	for k, v := range w.Outputs {
		out.Outputs[k] = v
	}
	if w.LastProcessedAt != nil {
		ts := *w.LastProcessedAt
		out.LastProcessedAt = &ts
	}
	return &out
}

// Handles returns the task handles recorded for step.
func (w *WorkflowInstance) Handles(step string) []string {
	if w == nil || w.TaskHandles == nil {
		return nil
	}
	return w.TaskHandles[step]
}

// AwaitsHandle reports whether the instance sits at its current step waiting
// on the given provider task.
func (w *WorkflowInstance) AwaitsHandle(handle string) bool {
	if w == nil || handle == "" || w.Status.Terminal() {
		return false
	}
	return slices.Contains(w.Handles(string(w.Status)), handle)
}

// OutstandingCharge is the amount charged and not yet refunded.
func (w *WorkflowInstance) OutstandingCharge() int {
	if w == nil {
		return 0
	}
	if d := w.CreditsCharged - w.CreditsRefunded; d > 0 {
		return d
	}
	return 0
}

// BillingState projects the credit columns onto the single fact that holds.
func (w *WorkflowInstance) BillingState() BillingState {
	switch {
	case w.CreditsCharged == 0:
		return BillingNeverCharged
	case w.OutstandingCharge() == 0:
		return BillingRefunded
	default:
		return BillingCharged
	}
}

// EncodeLists marshals a step->values map for a jsonb column.
func EncodeLists(m map[string][]string) []byte {
	if m == nil {
		m = map[string][]string{}
	}
	raw, _ := json.Marshal(m)
	return raw
}

// DecodeLists is the inverse of EncodeLists; empty input yields an empty map.
func DecodeLists(raw []byte) (map[string][]string, error) {
	out := map[string][]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneLists(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
