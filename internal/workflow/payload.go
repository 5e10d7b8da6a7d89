package workflow

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
)

var titleCase = cases.Title(language.Und)

// buildPayload derives the provider payload for step from the instance input
// and the outputs of earlier steps.
func buildPayload(inst *domain.WorkflowInstance, t *Table, step Step) generation.Payload {
	in := inst.Input
	p := generation.Payload{
		AspectRatio: in.AspectRatio,
		Metadata: map[string]string{
			"workflow_id": inst.ID,
			"step":        step.Name,
		},
	}
	switch step.Task {
	case generation.StepAnalyze:
		p.ImageURLs = SourceImages(in)
		p.Prompt = "Describe the product, its brand cues and a fitting setting for a short advertisement."
	case generation.StepPrompt:
		p.Prompt = promptBrief(inst, t)
	case generation.StepImage:
		p.ImageURLs = SourceImages(in)
		p.Prompt = t.PriorOutput(inst, step.Name, generation.StepPrompt)
		p.Count = 1
		if t.MaxSegments > 0 {
			p.Count = in.SegmentCount + 1
		}
	case generation.StepVideo:
		p.Model = in.Model
		p.Prompt = script(inst, t, step)
		if img := t.PriorArtifacts(inst, step.Name, generation.StepImage); len(img) > 0 {
			p.ImageURLs = img[:1]
		}
		p.DurationSeconds = 8
	case generation.StepMerge:
		p.VideoURLs = t.PriorArtifacts(inst, step.Name, generation.StepVideo)
	}
	if in.ProductID != "" {
		p.Metadata["product_id"] = in.ProductID
	}
	if in.BrandID != "" {
		p.Metadata["brand_id"] = in.BrandID
	}
	return p
}

// SourceImages lists the user-supplied reference images, character first.
func SourceImages(in domain.WorkflowInput) []string {
	var out []string
	for _, u := range []string{in.CharacterImageURL, in.ImageURL} {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func promptBrief(inst *domain.WorkflowInstance, t *Table) string {
	in := inst.Input
	var b strings.Builder
	b.WriteString("Write a short video advertisement script")
	if in.ProductName != "" {
		fmt.Fprintf(&b, " for %s", titleCase.String(in.ProductName))
	}
	if in.BrandName != "" {
		fmt.Fprintf(&b, " by %s", titleCase.String(in.BrandName))
	}
	b.WriteString(".")
	if in.Language != "" {
		fmt.Fprintf(&b, " Language: %s.", in.Language)
	}
	if t.MaxSegments > 0 {
		fmt.Fprintf(&b, ` Split it into %d segments and answer as JSON {"segments":[{"prompt":"...","duration":8}]}.`, in.SegmentCount)
	}
	if analysis := inst.Outputs["analyzing_images"]; analysis != "" {
		b.WriteString(" Product analysis: ")
		b.WriteString(analysis)
	}
	return b.String()
}

func script(inst *domain.WorkflowInstance, t *Table, step Step) string {
	if inst.Input.CustomScript && strings.TrimSpace(inst.Input.Script) != "" {
		return inst.Input.Script
	}
	return t.PriorOutput(inst, step.Name, generation.StepPrompt)
}

// PriorOutput returns the text output of the latest step before stepName
// whose task is kind.
func (t *Table) PriorOutput(inst *domain.WorkflowInstance, stepName string, kind generation.StepKind) string {
	if s, ok := t.prior(stepName, kind); ok {
		return inst.Outputs[s.Name]
	}
	return ""
}

// PriorArtifacts is PriorOutput for artifact URLs.
func (t *Table) PriorArtifacts(inst *domain.WorkflowInstance, stepName string, kind generation.StepKind) []string {
	if s, ok := t.prior(stepName, kind); ok {
		return inst.Artifacts[s.Name]
	}
	return nil
}

func (t *Table) prior(stepName string, kind generation.StepKind) (Step, bool) {
	_, idx, _ := t.Step(stepName)
	for i := idx - 1; i >= 0; i-- {
		if t.Steps[i].Task == kind {
			return t.Steps[i], true
		}
	}
	return Step{}, false
}
