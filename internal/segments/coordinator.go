// Package segments coordinates the fan-out and fan-in of multi-segment video
// workflows.
package segments

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
	"github.com/lantianlaoli/flowtra/internal/workflow"
)

const defaultParallel = 4

// Coordinator creates segment rows, submits them concurrently and reports
// merge readiness. The parent instance row is left to the workflow
// Controller.
type Coordinator struct {
	segs     domain.SegmentRepository
	client   generation.Client
	logger   zerolog.Logger
	parallel int
}

func New(segs domain.SegmentRepository, client generation.Client, logger zerolog.Logger, parallel int) *Coordinator {
	if parallel <= 0 {
		parallel = defaultParallel
	}
	return &Coordinator{
		segs:     segs,
		client:   client,
		logger:   logger.With().Str("component", "segments").Logger(),
		parallel: parallel,
	}
}

// Launch replaces the instance's plan and submits every segment. Handles are
// returned in segment order.
func (c *Coordinator) Launch(ctx context.Context, inst *domain.WorkflowInstance, step workflow.Step) ([]string, error) {
	table, ok := workflow.Lookup(inst.Kind)
	if !ok {
		return nil, fmt.Errorf("segments: %w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	var source string
	if imgs := workflow.SourceImages(inst.Input); len(imgs) > 0 {
		source = imgs[len(imgs)-1]
	}
	plan := Plan(
		inst.ID,
		inst.Input.SegmentCount,
		table.PriorOutput(inst, step.Name, generation.StepPrompt),
		source,
		table.PriorArtifacts(inst, step.Name, generation.StepImage),
	)
	if len(plan) == 0 {
		return nil, fmt.Errorf("segments: %w: empty plan", domain.ErrValidation)
	}
	if err := c.segs.ReplacePlan(ctx, inst.ID, plan); err != nil {
		return nil, fmt.Errorf("segments: save plan: %w", err)
	}

	handles := make([]string, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, seg := range plan {
		seg := seg // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			handle, err := c.client.Submit(gctx, step.Task, generation.Payload{
				Prompt:          seg.Prompt,
				ImageURLs:       []string{seg.FirstFrameURL, seg.ClosingFrameURL},
				Model:           inst.Input.Model,
				AspectRatio:     inst.Input.AspectRatio,
				DurationSeconds: seg.DurationSeconds,
				Metadata: map[string]string{
					"workflow_id":   inst.ID,
					"segment_index": strconv.Itoa(seg.Index),
				},
			})
			if err != nil {
				if ferr := c.segs.MarkFailed(ctx, inst.ID, seg.Index, err.Error()); ferr != nil {
					c.logger.Warn().Err(ferr).Str("workflow_id", inst.ID).Int("segment", seg.Index).Msg("segments: mark failed")
				}
				return fmt.Errorf("segment %d: %w", seg.Index+1, err)
			}
			if err := c.segs.MarkGenerating(ctx, inst.ID, seg.Index, handle); err != nil {
				return fmt.Errorf("segment %d: record task: %w", seg.Index+1, err)
			}
			handles[seg.Index] = handle
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info().Str("workflow_id", inst.ID).Int("segments", len(plan)).Msg("segments: launched")
	return handles, nil
}

// Record resolves the segment owning handle. Resolution is conditional on the
// segment still generating, so duplicates report Applied=false.
func (c *Coordinator) Record(ctx context.Context, inst *domain.WorkflowInstance, handle string, res generation.PollResult) (workflow.SegmentOutcome, error) {
	status, videoURL, errMsg := domain.SegmentCompleted, "", ""
	switch res.State {
	case generation.StateSucceeded:
		if len(res.ArtifactURLs) > 0 {
			videoURL = res.ArtifactURLs[0]
		}
		if videoURL == "" {
			status, errMsg = domain.SegmentFailed, "provider returned no video"
		}
	case generation.StateFailed:
		status, errMsg = domain.SegmentFailed, res.Reason
		if errMsg == "" {
			errMsg = "provider reported failure"
		}
	default:
		return workflow.SegmentOutcome{}, nil
	}

	applied, err := c.segs.Resolve(ctx, inst.ID, handle, status, videoURL, errMsg)
	if err != nil {
		return workflow.SegmentOutcome{}, fmt.Errorf("segments: resolve: %w", err)
	}
	if !applied {
		return workflow.SegmentOutcome{}, nil
	}
	segs, err := c.segs.List(ctx, inst.ID)
	if err != nil {
		return workflow.SegmentOutcome{}, fmt.Errorf("segments: list: %w", err)
	}

	out := workflow.SegmentOutcome{Applied: true}
	if status == domain.SegmentFailed {
		for i := range segs {
			if segs[i].TaskID == handle {
				out.Failed = &segs[i]
				break
			}
		}
		return out, nil
	}
	out.AllCompleted = Ready(segs)
	return out, nil
}

// MergeInputs lists completed segment videos in order.
func (c *Coordinator) MergeInputs(ctx context.Context, inst *domain.WorkflowInstance) ([]string, error) {
	segs, err := c.segs.List(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("segments: list: %w", err)
	}
	if !Ready(segs) {
		return nil, fmt.Errorf("segments: %w: not every segment completed", domain.ErrNotReady)
	}
	urls := make([]string, len(segs))
	for i, s := range segs {
		urls[i] = s.VideoURL
	}
	return urls, nil
}

// Outcome summarises the stored rows: the first failed segment by index, or
// whether every segment completed.
func (c *Coordinator) Outcome(ctx context.Context, inst *domain.WorkflowInstance) (workflow.SegmentOutcome, error) {
	segs, err := c.segs.List(ctx, inst.ID)
	if err != nil {
		return workflow.SegmentOutcome{}, fmt.Errorf("segments: list: %w", err)
	}
	out := workflow.SegmentOutcome{Applied: true}
	for i := range segs {
		if segs[i].Status == domain.SegmentFailed {
			out.Failed = &segs[i]
			return out, nil
		}
	}
	out.AllCompleted = Ready(segs)
	return out, nil
}

// Ready reports whether every segment completed.
func Ready(segs []domain.Segment) bool {
	if len(segs) == 0 {
		return false
	}
	for _, s := range segs {
		if s.Status != domain.SegmentCompleted {
			return false
		}
	}
	return true
}

var _ workflow.SegmentCoordinator = (*Coordinator)(nil)
