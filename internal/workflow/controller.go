// Package workflow holds the step tables and the Controller that moves
// instances through them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/ledger"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
	"github.com/lantianlaoli/flowtra/internal/telemetry"
)

// SegmentOutcome is what recording one segment result changed.
type SegmentOutcome struct {
	// Applied is false when the segment was already resolved.
	Applied      bool
	Failed       *domain.Segment
	AllCompleted bool
}

// SegmentCoordinator owns the fan-out and fan-in of segment rows. The
// Controller keeps ownership of the instance row.
type SegmentCoordinator interface {
	Launch(ctx context.Context, inst *domain.WorkflowInstance, step Step) ([]string, error)
	Record(ctx context.Context, inst *domain.WorkflowInstance, handle string, res generation.PollResult) (SegmentOutcome, error)
	MergeInputs(ctx context.Context, inst *domain.WorkflowInstance) ([]string, error)
	Outcome(ctx context.Context, inst *domain.WorkflowInstance) (SegmentOutcome, error)
}

// Options wires the Controller.
type Options struct {
	Store    domain.Store
	Client   generation.Client
	Segments SegmentCoordinator
	Logger   zerolog.Logger
	NewID    func() string
}

// Controller decides the next step for an instance, submits its task and
// persists the transition. Every write is a conditional update; losing one
// returns domain.ErrStaleState and changes nothing.
type Controller struct {
	store    domain.Store
	client   generation.Client
	segments SegmentCoordinator
	logger   zerolog.Logger
	newID    func() string
}

func NewController(opts Options) *Controller {
	c := &Controller{
		store:    opts.Store,
		client:   opts.Client,
		segments: opts.Segments,
		logger:   opts.Logger.With().Str("component", "workflow").Logger(),
		newID:    opts.NewID,
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Start validates input, reserves credits for charge-at-generation kinds,
// submits the first task and only then persists the instance together with
// its usage transaction. A failed submission leaves no row behind.
func (c *Controller) Start(ctx context.Context, ownerID string, kind domain.WorkflowKind, in domain.WorkflowInput) (*domain.WorkflowInstance, error) {
	table, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrUnauthorized
	}
	in = table.Normalize(in)
	if err := table.Validate(in); err != nil {
		return nil, err
	}
	quote, err := table.Quote(in)
	if err != nil {
		return nil, err
	}

	inst := &domain.WorkflowInstance{
		ID:          c.newID(),
		OwnerID:     ownerID,
		Kind:        kind,
		Status:      domain.StatusPending,
		CurrentStep: string(domain.StatusPending),
		Input:       in,
		TaskHandles: map[string][]string{},
		Artifacts:   map[string][]string{},
		Outputs:     map[string]string{},
		BillingMode: quote.Mode,
	}

	reserved := 0
	if quote.Mode == domain.BillingAtGeneration && quote.Credits > 0 {
		if err := ledger.New(c.store.Credits()).Reserve(ctx, ownerID, quote.Credits); err != nil {
			return nil, err
		}
		reserved = quote.Credits
	}

	first := table.Steps[0]
	handle, err := c.client.Submit(ctx, first.Task, buildPayload(inst, table, first))
	if err != nil {
		c.release(ctx, ownerID, reserved)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderSubmission, first.Name, err)
	}

	enter(inst, first)
	inst.TaskHandles[first.Name] = []string{handle}
	inst.CreditsReserved = reserved
	inst.CreditsCharged = reserved

	err = c.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Workflows().Create(ctx, inst); err != nil {
			return err
		}
		if reserved == 0 {
			return nil
		}
		_, err := ledger.New(tx.Credits()).Record(ctx, ownerID, domain.TransactionUsage, reserved, fmt.Sprintf("%s generation", kind), inst.ID)
		return err
	})
	if err != nil {
		c.release(ctx, ownerID, reserved)
		return nil, fmt.Errorf("workflow: persist instance: %w", err)
	}

	telemetry.WorkflowsStarted.WithLabelValues(string(kind)).Inc()
	telemetry.StepTransitions.WithLabelValues(string(kind), first.Name).Inc()
	if reserved > 0 {
		telemetry.CreditsCharged.WithLabelValues(string(quote.Mode)).Add(float64(reserved))
	}
	c.logger.Info().Str("workflow_id", inst.ID).Str("kind", string(kind)).Str("task_id", handle).Int("credits", reserved).Msg("workflow: started")
	return inst, nil
}

// Advance applies a completion event for handle. Success moves the instance to
// its next step (or completed), failure moves it to failed with a refund. The
// event is ignored with ErrStaleState unless the instance is still waiting on
// exactly this handle.
func (c *Controller) Advance(ctx context.Context, inst *domain.WorkflowInstance, handle string, res generation.PollResult) (*domain.WorkflowInstance, error) {
	table, ok := Lookup(inst.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	if inst.Status == domain.StatusFailed {
		c.recordLateSegment(ctx, inst, table, handle, res)
		return nil, domain.ErrStaleState
	}
	step, _, ok := table.Step(string(inst.Status))
	if !ok || !inst.AwaitsHandle(handle) {
		return nil, domain.ErrStaleState
	}
	if res.State == generation.StateWaiting {
		return inst, nil
	}
	if step.FanOut {
		return c.advanceSegment(ctx, inst, table, step, handle, res)
	}
	if res.State == generation.StateFailed {
		return c.Fail(ctx, inst, fmt.Sprintf("%s failed: %s", step.Name, reasonOr(res.Reason)))
	}
	if producesArtifact(step.Task) && len(res.ArtifactURLs) == 0 {
		return c.Fail(ctx, inst, fmt.Sprintf("%s failed: provider returned no artifact", step.Name))
	}

	next := inst.Clone()
	if len(res.ArtifactURLs) > 0 {
		next.Artifacts[step.Name] = append([]string(nil), res.ArtifactURLs...)
	}
	if res.Text != "" {
		next.Outputs[step.Name] = res.Text
	}
	return c.enterNext(ctx, inst.Status, next, table, step)
}

// Fail moves inst to failed and refunds the outstanding charge in the same
// transaction. Only the caller that wins the conditional update refunds.
func (c *Controller) Fail(ctx context.Context, inst *domain.WorkflowInstance, reason string) (*domain.WorkflowInstance, error) {
	if inst.Status.Terminal() {
		return nil, domain.ErrStaleState
	}
	reason = reasonOr(reason)
	next := inst.Clone()
	next.Status = domain.StatusFailed
	next.ErrorMessage = reason
	refund := inst.OutstandingCharge()
	next.CreditsRefunded += refund

	err := c.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Workflows().Update(ctx, next, inst.Status); err != nil {
			return err
		}
		return ledger.New(tx.Credits()).Refund(ctx, inst.OwnerID, refund, "refund: "+reason, inst.ID)
	})
	if err != nil {
		return nil, err
	}

	telemetry.WorkflowsFailed.WithLabelValues(string(inst.Kind), failureClass(reason)).Inc()
	if refund > 0 {
		telemetry.CreditsRefunded.Add(float64(refund))
	}
	c.logger.Warn().Str("workflow_id", inst.ID).Str("step", string(inst.Status)).Int("refund", refund).Str("reason", reason).Msg("workflow: failed")
	return next, nil
}

// Reanalyze moves a failed instance back to its table's re-entry step.
// Charge-at-generation kinds pay again since the failure refunded them.
func (c *Controller) Reanalyze(ctx context.Context, ownerID, id string) (*domain.WorkflowInstance, error) {
	inst, err := c.store.Workflows().GetOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: only failed workflows can be re-analyzed", domain.ErrNotReady)
	}
	table, ok := Lookup(inst.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	step, idx, ok := table.Step(table.Reentry)
	if !ok {
		return nil, fmt.Errorf("workflow: %s has no re-entry step", inst.Kind)
	}
	quote, err := table.Quote(inst.Input)
	if err != nil {
		return nil, err
	}
	charge := 0
	if inst.BillingMode == domain.BillingAtGeneration {
		charge = quote.Credits
	}

	next := inst.Clone()
	enter(next, step)
	next.ErrorMessage = ""
	next.FinalArtifactURL = ""
	for _, s := range table.Steps[idx:] {
		delete(next.TaskHandles, s.Name)
		delete(next.Artifacts, s.Name)
		delete(next.Outputs, s.Name)
	}
	next.CreditsCharged += charge

	err = c.store.InTx(ctx, func(tx domain.Store) error {
		if err := tx.Workflows().Update(ctx, next, domain.StatusFailed); err != nil {
			return err
		}
		return ledger.New(tx.Credits()).Charge(ctx, ownerID, charge, fmt.Sprintf("%s re-analysis", inst.Kind), inst.ID)
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("workflow_id", id).Str("step", step.Name).Int("credits", charge).Msg("workflow: re-analysis started")
	telemetry.StepTransitions.WithLabelValues(string(inst.Kind), step.Name).Inc()
	return c.submitStep(ctx, next, table, step)
}

// ResumeMerge retries the merge submission for an instance left at the merge
// gate, e.g. after a crash between the gate and the merge claim.
func (c *Controller) ResumeMerge(ctx context.Context, inst *domain.WorkflowInstance) (*domain.WorkflowInstance, error) {
	table, ok := Lookup(inst.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	gate, _, ok := table.Step(string(inst.Status))
	if !ok || gate.Task != "" {
		return nil, domain.ErrStaleState
	}
	return c.submitMerge(ctx, inst, table, gate)
}

// ResumeFanIn closes a fan-out step from its stored segment rows. It picks up
// instances whose last segment result was recorded while the instance row
// stayed at the fan-out step. While segments are outstanding inst is returned
// unchanged.
func (c *Controller) ResumeFanIn(ctx context.Context, inst *domain.WorkflowInstance) (*domain.WorkflowInstance, error) {
	table, ok := Lookup(inst.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	step, _, ok := table.Step(string(inst.Status))
	if !ok || !step.FanOut {
		return nil, domain.ErrStaleState
	}
	if c.segments == nil {
		return nil, errors.New("workflow: no segment coordinator configured")
	}
	out, err := c.segments.Outcome(ctx, inst)
	if err != nil {
		return nil, err
	}
	return c.closeFanIn(ctx, inst, table, step, out)
}

// ChargeDownload flips downloaded on the first call and charges
// charge-at-download kinds. Later calls are free. The returned int is the
// amount charged by this call.
func (c *Controller) ChargeDownload(ctx context.Context, ownerID, id string) (*domain.WorkflowInstance, int, error) {
	inst, err := c.store.Workflows().GetOwned(ctx, ownerID, id)
	if err != nil {
		return nil, 0, err
	}
	if inst.Status != domain.StatusCompleted || inst.FinalArtifactURL == "" {
		return nil, 0, fmt.Errorf("%w: workflow is %s", domain.ErrNotReady, inst.Status)
	}
	if inst.Downloaded {
		return inst, 0, nil
	}
	table, ok := Lookup(inst.Kind)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	cost := 0
	if inst.BillingMode == domain.BillingAtDownload {
		quote, err := table.Quote(inst.Input)
		if err != nil {
			return nil, 0, err
		}
		cost = quote.Credits
	}

	charged := 0
	err = c.store.InTx(ctx, func(tx domain.Store) error {
		won, err := tx.Workflows().MarkDownloaded(ctx, id, cost)
		if err != nil || !won {
			return err
		}
		if err := ledger.New(tx.Credits()).Charge(ctx, ownerID, cost, fmt.Sprintf("%s download", inst.Kind), id); err != nil {
			return err
		}
		charged = cost
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if charged > 0 {
		telemetry.CreditsCharged.WithLabelValues(string(domain.BillingAtDownload)).Add(float64(charged))
		c.logger.Info().Str("workflow_id", id).Int("credits", charged).Msg("workflow: download charged")
	}
	inst.Downloaded = true
	inst.DownloadCreditsUsed = charged
	inst.CreditsCharged += charged
	return inst, charged, nil
}

func (c *Controller) enterNext(ctx context.Context, prev domain.Status, next *domain.WorkflowInstance, table *Table, from Step) (*domain.WorkflowInstance, error) {
	to, ok := table.Next(from.Name)
	if !ok {
		next.Status = domain.StatusCompleted
		next.CurrentStep = string(domain.StatusCompleted)
		next.Progress = 100
		if urls := next.Artifacts[from.Name]; len(urls) > 0 {
			next.FinalArtifactURL = urls[len(urls)-1]
		}
		if err := c.store.Workflows().Update(ctx, next, prev); err != nil {
			return nil, err
		}
		telemetry.WorkflowsCompleted.WithLabelValues(string(next.Kind)).Inc()
		c.logger.Info().Str("workflow_id", next.ID).Str("artifact", next.FinalArtifactURL).Msg("workflow: completed")
		return next, nil
	}

	enter(next, to)
	if err := c.store.Workflows().Update(ctx, next, prev); err != nil {
		return nil, err
	}
	telemetry.StepTransitions.WithLabelValues(string(next.Kind), to.Name).Inc()
	c.logger.Debug().Str("workflow_id", next.ID).Str("from", from.Name).Str("to", to.Name).Msg("workflow: step claimed")
	return c.submitStep(ctx, next, table, to)
}

// submitStep runs after the claim: the instance is already at step, so only
// one caller can get here for a given transition.
func (c *Controller) submitStep(ctx context.Context, inst *domain.WorkflowInstance, table *Table, step Step) (*domain.WorkflowInstance, error) {
	if step.Task == "" {
		return inst, nil
	}
	var (
		handles []string
		err     error
	)
	if step.FanOut {
		if c.segments == nil {
			err = errors.New("no segment coordinator configured")
		} else {
			handles, err = c.segments.Launch(ctx, inst, step)
		}
	} else {
		var h string
		h, err = c.client.Submit(ctx, step.Task, buildPayload(inst, table, step))
		handles = []string{h}
	}
	if err != nil {
		c.logger.Error().Err(err).Str("workflow_id", inst.ID).Str("step", step.Name).Msg("workflow: submission failed")
		return c.Fail(ctx, inst, fmt.Sprintf("%s submission failed: %v", step.Name, err))
	}

	next := inst.Clone()
	next.TaskHandles[step.Name] = handles
	if err := c.store.Workflows().Update(ctx, next, inst.Status); err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", inst.ID).Strs("task_ids", handles).Msg("workflow: task handle not recorded")
		return nil, err
	}
	return next, nil
}

func (c *Controller) advanceSegment(ctx context.Context, inst *domain.WorkflowInstance, table *Table, step Step, handle string, res generation.PollResult) (*domain.WorkflowInstance, error) {
	if c.segments == nil {
		return nil, errors.New("workflow: no segment coordinator configured")
	}
	out, err := c.segments.Record(ctx, inst, handle, res)
	if err != nil {
		return nil, err
	}
	if !out.Applied {
		return nil, domain.ErrStaleState
	}
	return c.closeFanIn(ctx, inst, table, step, out)
}

// closeFanIn fails the instance on a failed segment, or moves it through the
// merge gate once every segment completed.
func (c *Controller) closeFanIn(ctx context.Context, inst *domain.WorkflowInstance, table *Table, step Step, out SegmentOutcome) (*domain.WorkflowInstance, error) {
	if out.Failed != nil {
		return c.Fail(ctx, inst, fmt.Sprintf("segment %d failed: %s", out.Failed.Index+1, reasonOr(out.Failed.ErrorMessage)))
	}
	if !out.AllCompleted {
		return inst, nil
	}

	inputs, err := c.segments.MergeInputs(ctx, inst)
	if err != nil {
		return nil, err
	}
	gate, ok := table.Next(step.Name)
	if !ok {
		return nil, fmt.Errorf("workflow: %s has no merge gate after %s", inst.Kind, step.Name)
	}
	next := inst.Clone()
	next.Artifacts[step.Name] = inputs
	enter(next, gate)
	if err := c.store.Workflows().Update(ctx, next, inst.Status); err != nil {
		return nil, err
	}
	telemetry.StepTransitions.WithLabelValues(string(inst.Kind), gate.Name).Inc()
	c.logger.Info().Str("workflow_id", inst.ID).Int("segments", len(inputs)).Msg("workflow: all segments completed")
	return c.submitMerge(ctx, next, table, gate)
}

// submitMerge claims the awaiting_merge -> merging transition. Only the
// winner submits the merge task.
func (c *Controller) submitMerge(ctx context.Context, inst *domain.WorkflowInstance, table *Table, gate Step) (*domain.WorkflowInstance, error) {
	merge, ok := table.Next(gate.Name)
	if !ok {
		return nil, fmt.Errorf("workflow: %s has no step after %s", inst.Kind, gate.Name)
	}
	next := inst.Clone()
	enter(next, merge)
	if err := c.store.Workflows().Update(ctx, next, inst.Status); err != nil {
		return nil, err
	}
	telemetry.StepTransitions.WithLabelValues(string(inst.Kind), merge.Name).Inc()
	return c.submitStep(ctx, next, table, merge)
}

// recordLateSegment keeps segment diagnostics for results that arrive after
// the instance already failed.
func (c *Controller) recordLateSegment(ctx context.Context, inst *domain.WorkflowInstance, table *Table, handle string, res generation.PollResult) {
	fan, ok := table.FanOutStep()
	if !ok || c.segments == nil || res.State == generation.StateWaiting {
		return
	}
	if !slices.Contains(inst.Handles(fan.Name), handle) {
		return
	}
	if _, err := c.segments.Record(ctx, inst, handle, res); err != nil {
		c.logger.Warn().Err(err).Str("workflow_id", inst.ID).Str("task_id", handle).Msg("workflow: late segment not recorded")
	}
}

func producesArtifact(kind generation.StepKind) bool {
	switch kind {
	case generation.StepImage, generation.StepVideo, generation.StepMerge:
		return true
	}
	return false
}

func (c *Controller) release(ctx context.Context, ownerID string, amount int) {
	if amount <= 0 {
		return
	}
	if err := ledger.New(c.store.Credits()).Release(ctx, ownerID, amount); err != nil {
		c.logger.Error().Err(err).Str("owner_id", ownerID).Int("credits", amount).Msg("workflow: release reservation failed")
	}
}

func enter(inst *domain.WorkflowInstance, step Step) {
	inst.Status = domain.Status(step.Name)
	inst.CurrentStep = step.Name
	inst.Progress = step.Progress
}

func reasonOr(reason string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return "generation failed"
}

func failureClass(reason string) string {
	switch {
	case strings.Contains(reason, "timed out"):
		return "timeout"
	case strings.Contains(reason, "submission failed"):
		return "submission"
	case strings.HasPrefix(reason, "segment"):
		return "segment"
	default:
		return "provider"
	}
}
