package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
)

// Step is one row of a step table. A step with an empty Task is a gate: the
// instance waits there without a provider task.
type Step struct {
	Name     string
	Progress int
	Message  string
	Task     generation.StepKind
	FanOut   bool
}

// Price is what one model costs under a billing mode. PerSegment prices are
// multiplied by the segment count.
type Price struct {
	Mode       domain.BillingMode
	Credits    int
	PerSegment bool
}

// Quote is the resolved price for one instance.
type Quote struct {
	Mode    domain.BillingMode
	Credits int
}

// Requirement is satisfied when at least one of the named input fields is set.
type Requirement struct {
	AnyOf []string
}

// Table drives one workflow kind.
type Table struct {
	Kind         domain.WorkflowKind
	Steps        []Step
	Reentry      string
	DefaultModel string
	Prices       map[string]Price
	Requires     []Requirement
	MinSegments  int
	MaxSegments  int
	// DefaultSegments applies when the request leaves segment_count unset.
	DefaultSegments int
}

const completedMessage = "Your ad is ready"

var tables = map[domain.WorkflowKind]*Table{
	domain.KindImageToVideo: {
		Kind: domain.KindImageToVideo,
		Steps: []Step{
			{Name: "analyzing_images", Progress: 15, Message: "Analyzing product image", Task: generation.StepAnalyze},
			{Name: "generating_prompts", Progress: 35, Message: "Writing the ad script", Task: generation.StepPrompt},
			{Name: "generating_cover", Progress: 60, Message: "Generating cover image", Task: generation.StepImage},
			{Name: "generating_video", Progress: 85, Message: "Generating video", Task: generation.StepVideo},
		},
		Reentry:      "analyzing_images",
		DefaultModel: "veo3_fast",
		Prices: map[string]Price{
			"veo3_fast": {Mode: domain.BillingAtDownload, Credits: 20},
			"veo3":      {Mode: domain.BillingAtGeneration, Credits: 150},
		},
		Requires: []Requirement{{AnyOf: []string{"image_url", "product_id"}}},
	},
	domain.KindCharacterSpokesperson: {
		Kind: domain.KindCharacterSpokesperson,
		Steps: []Step{
			{Name: "analyzing_images", Progress: 10, Message: "Analyzing character and product", Task: generation.StepAnalyze},
			{Name: "generating_prompts", Progress: 30, Message: "Writing the spokesperson script", Task: generation.StepPrompt},
			{Name: "generating_character", Progress: 55, Message: "Generating character scene", Task: generation.StepImage},
			{Name: "generating_video", Progress: 85, Message: "Generating video", Task: generation.StepVideo},
		},
		Reentry:      "analyzing_images",
		DefaultModel: "veo3_fast",
		Prices: map[string]Price{
			"veo3_fast": {Mode: domain.BillingAtGeneration, Credits: 30},
			"veo3":      {Mode: domain.BillingAtGeneration, Credits: 150},
		},
		Requires: []Requirement{
			{AnyOf: []string{"character_image_url", "image_url"}},
			{AnyOf: []string{"product_id", "brand_id"}},
		},
	},
	domain.KindMultiSegment: {
		Kind: domain.KindMultiSegment,
		Steps: []Step{
			{Name: "analyzing_images", Progress: 10, Message: "Analyzing reference", Task: generation.StepAnalyze},
			{Name: "generating_prompts", Progress: 25, Message: "Planning segments", Task: generation.StepPrompt},
			{Name: "generating_keyframes", Progress: 40, Message: "Generating continuity frames", Task: generation.StepImage},
			{Name: "generating_segments", Progress: 60, Message: "Generating video segments", Task: generation.StepVideo, FanOut: true},
			{Name: "awaiting_merge", Progress: 85, Message: "Preparing merge"},
			{Name: "merging", Progress: 95, Message: "Merging segments", Task: generation.StepMerge},
		},
		Reentry:      "analyzing_images",
		DefaultModel: "veo3_fast",
		Prices: map[string]Price{
			"veo3_fast": {Mode: domain.BillingAtGeneration, Credits: 25, PerSegment: true},
			"veo3":      {Mode: domain.BillingAtGeneration, Credits: 120, PerSegment: true},
		},
		Requires:        []Requirement{{AnyOf: []string{"image_url", "product_id", "brand_id"}}},
		MinSegments:     2,
		MaxSegments:     8,
		DefaultSegments: 3,
	},
}

// Lookup returns the table for kind.
func Lookup(kind domain.WorkflowKind) (*Table, bool) {
	t, ok := tables[kind]
	return t, ok
}

// Kinds lists every registered workflow kind in a stable order.
func Kinds() []domain.WorkflowKind {
	out := make([]domain.WorkflowKind, 0, len(tables))
	for k := range tables {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// InFlightStatuses is every status, across all tables, that waits on a
// provider task or a gate.
func InFlightStatuses() []domain.Status {
	var out []domain.Status
	for _, kind := range Kinds() {
		for _, s := range tables[kind].Steps {
			st := domain.Status(s.Name)
			if !slices.Contains(out, st) {
				out = append(out, st)
			}
		}
	}
	return out
}

// Step returns the named step and its position.
func (t *Table) Step(name string) (Step, int, bool) {
	for i, s := range t.Steps {
		if s.Name == name {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

// Next returns the step after name; false when name is the last step.
func (t *Table) Next(name string) (Step, bool) {
	_, i, ok := t.Step(name)
	if !ok || i+1 >= len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[i+1], true
}

// FanOutStep returns the segment fan-out step, if the table has one.
func (t *Table) FanOutStep() (Step, bool) {
	for _, s := range t.Steps {
		if s.FanOut {
			return s, true
		}
	}
	return Step{}, false
}

// Message is the human message for a status.
func (t *Table) Message(status domain.Status) string {
	switch status {
	case domain.StatusCompleted:
		return completedMessage
	case domain.StatusFailed:
		return "Generation failed"
	case domain.StatusPending:
		return "Queued"
	}
	if s, _, ok := t.Step(string(status)); ok {
		return s.Message
	}
	return ""
}

// Normalize fills defaults the request left empty.
func (t *Table) Normalize(in domain.WorkflowInput) domain.WorkflowInput {
	in.Model = strings.TrimSpace(in.Model)
	if in.Model == "" {
		in.Model = t.DefaultModel
	}
	if t.MaxSegments > 0 && in.SegmentCount == 0 {
		in.SegmentCount = t.DefaultSegments
	}
	if in.AspectRatio == "" {
		in.AspectRatio = "9:16"
	}
	return in
}

// Validate checks required fields. Errors wrap domain.ErrValidation.
func (t *Table) Validate(in domain.WorkflowInput) error {
	fields := inputFields(in)
	for _, req := range t.Requires {
		ok := false
		for _, name := range req.AnyOf {
			if strings.TrimSpace(fields[name]) != "" {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: one of %s is required", domain.ErrValidation, strings.Join(req.AnyOf, ", "))
		}
	}
	if _, ok := t.Prices[in.Model]; !ok {
		return fmt.Errorf("%w: unsupported model %q", domain.ErrValidation, in.Model)
	}
	if t.MaxSegments > 0 && (in.SegmentCount < t.MinSegments || in.SegmentCount > t.MaxSegments) {
		return fmt.Errorf("%w: segment_count must be between %d and %d", domain.ErrValidation, t.MinSegments, t.MaxSegments)
	}
	if in.CustomScript && strings.TrimSpace(in.Script) == "" {
		return fmt.Errorf("%w: script is required when custom_script is set", domain.ErrValidation)
	}
	return nil
}

// Quote prices an instance.
func (t *Table) Quote(in domain.WorkflowInput) (Quote, error) {
	p, ok := t.Prices[in.Model]
	if !ok {
		return Quote{}, fmt.Errorf("%w: unsupported model %q", domain.ErrValidation, in.Model)
	}
	credits := p.Credits
	if p.PerSegment {
		credits *= in.SegmentCount
	}
	return Quote{Mode: p.Mode, Credits: credits}, nil
}

func inputFields(in domain.WorkflowInput) map[string]string {
	return map[string]string{
		"image_url":           in.ImageURL,
		"product_id":          in.ProductID,
		"brand_id":            in.BrandID,
		"character_image_url": in.CharacterImageURL,
	}
}
