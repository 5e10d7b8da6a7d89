// Package reconcile advances workflow instances when provider tasks finish.
// The push path (webhooks) and the pull path (sweeps) both end in
// workflow.Controller.Advance, so whichever arrives first wins and the other
// becomes a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
	"github.com/lantianlaoli/flowtra/internal/telemetry"
	"github.com/lantianlaoli/flowtra/internal/workflow"
)

const (
	defaultBatchSize        = 20
	defaultWorkers          = 4
	defaultMergeResumeAfter = 5 * time.Minute
)

// DefaultTimeouts are the staleness thresholds per task kind.
var DefaultTimeouts = map[generation.StepKind]time.Duration{
	generation.StepAnalyze: 10 * time.Minute,
	generation.StepPrompt:  10 * time.Minute,
	generation.StepImage:   15 * time.Minute,
	generation.StepVideo:   40 * time.Minute,
	generation.StepMerge:   20 * time.Minute,
}

// Options wires the Engine.
type Options struct {
	Store            domain.Store
	Controller       *workflow.Controller
	Client           generation.Client
	Dedupe           Deduper
	Logger           zerolog.Logger
	BatchSize        int
	Workers          int
	Timeouts         map[generation.StepKind]time.Duration
	MergeResumeAfter time.Duration
	Now              func() time.Time
}

type Engine struct {
	store            domain.Store
	ctrl             *workflow.Controller
	client           generation.Client
	dedupe           Deduper
	logger           zerolog.Logger
	batchSize        int
	workers          int
	timeouts         map[generation.StepKind]time.Duration
	mergeResumeAfter time.Duration
	now              func() time.Time
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:            opts.Store,
		ctrl:             opts.Controller,
		client:           opts.Client,
		dedupe:           opts.Dedupe,
		logger:           opts.Logger.With().Str("component", "reconcile").Logger(),
		batchSize:        opts.BatchSize,
		workers:          opts.Workers,
		timeouts:         make(map[generation.StepKind]time.Duration, len(DefaultTimeouts)),
		mergeResumeAfter: opts.MergeResumeAfter,
		now:              opts.Now,
	}
	for k, v := range DefaultTimeouts {
		e.timeouts[k] = v
	}
	for k, v := range opts.Timeouts {
		if v > 0 {
			e.timeouts[k] = v
		}
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.workers <= 0 {
		e.workers = defaultWorkers
	}
	if e.mergeResumeAfter <= 0 {
		e.mergeResumeAfter = defaultMergeResumeAfter
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Notification is a provider push: code 200 is success, anything else failure.
type Notification struct {
	Provider   string
	TaskID     string
	Code       int
	Message    string
	ResultURLs []string
	Text       string
	Error      string
}

// Result converts the notification into the poll vocabulary.
func (n Notification) Result() generation.PollResult {
	if n.Code == http.StatusOK {
		return generation.Succeeded(n.Text, n.ResultURLs...)
	}
	reason := strings.TrimSpace(n.Error)
	if reason == "" {
		reason = strings.TrimSpace(n.Message)
	}
	if reason == "" {
		reason = fmt.Sprintf("provider returned code %d", n.Code)
	}
	return generation.Failed(reason)
}

func (n Notification) dedupeKey() string {
	return fmt.Sprintf("%s:%s:%d", n.Provider, n.TaskID, n.Code)
}

// Outcome describes what a notification did.
type Outcome string

const (
	OutcomeAdvanced    Outcome = "advanced"
	OutcomeFailed      Outcome = "failed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnknownTask Outcome = "unknown_task"
	OutcomeStale       Outcome = "stale"
)

// HandleNotification is the push path. Unknown or already reconciled tasks
// are outcomes, not errors.
func (e *Engine) HandleNotification(ctx context.Context, n Notification) (Outcome, error) {
	n.TaskID = strings.TrimSpace(n.TaskID)
	if n.TaskID == "" {
		return "", fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	log := e.logger.With().Str("provider", n.Provider).Str("task_id", n.TaskID).Int("code", n.Code).Logger()

	claimed := false
	if e.dedupe != nil {
		first, err := e.dedupe.Claim(ctx, n.dedupeKey())
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("reconcile: dedupe unavailable")
		case !first:
			telemetry.WebhookDuplicates.Inc()
			log.Info().Msg("reconcile: duplicate notification dropped")
			return OutcomeDuplicate, nil
		default:
			claimed = true
		}
	}

	outcome, err := e.applyNotification(ctx, n, log)
	if err != nil && claimed {
		if rerr := e.dedupe.Release(ctx, n.dedupeKey()); rerr != nil {
			log.Warn().Err(rerr).Msg("reconcile: dedupe release failed")
		}
	}
	return outcome, err
}

func (e *Engine) applyNotification(ctx context.Context, n Notification, log zerolog.Logger) (Outcome, error) {
	inst, err := e.store.Workflows().FindByTaskHandle(ctx, n.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		telemetry.WebhookUnknownTask.Inc()
		log.Warn().Msg("reconcile: notification for unknown task")
		return OutcomeUnknownTask, nil
	}
	if err != nil {
		return "", fmt.Errorf("reconcile: find task: %w", err)
	}

	next, err := e.ctrl.Advance(ctx, inst, n.TaskID, n.Result())
	if errors.Is(err, domain.ErrStaleState) {
		telemetry.ReconcileRaces.WithLabelValues("webhook").Inc()
		log.Info().Str("workflow_id", inst.ID).Str("status", string(inst.Status)).Msg("reconcile: notification already reconciled")
		return OutcomeStale, nil
	}
	if err != nil {
		return "", fmt.Errorf("reconcile: advance %s: %w", inst.ID, err)
	}
	if next.Status == domain.StatusFailed {
		return OutcomeFailed, nil
	}
	log.Info().Str("workflow_id", inst.ID).Str("status", string(next.Status)).Msg("reconcile: advanced by notification")
	return OutcomeAdvanced, nil
}

// Report is the result of one sweep.
type Report struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type verdict int

const (
	verdictNone verdict = iota
	verdictAdvanced
	verdictFailed
)

// Sweep is the pull path: it polls the oldest-visited in-flight instances
// with bounded concurrency. Overlapping sweeps are harmless because every
// write goes through the same conditional update.
func (e *Engine) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	insts, err := e.store.Workflows().ListInFlight(ctx, workflow.InFlightStatuses(), e.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list in-flight: %w", err)
	}
	telemetry.SweepBatch.Set(float64(len(insts)))

	var processed, completed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, inst := range insts {
		inst := inst // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			v, err := e.reconcile(ctx, inst)
			if err != nil {
				e.logger.Error().Err(err).Str("workflow_id", inst.ID).Str("status", string(inst.Status)).Msg("reconcile: sweep item failed")
				return nil
			}
			processed.Add(1)
			switch v {
			case verdictAdvanced:
				completed.Add(1)
			case verdictFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Processed: int(processed.Load()),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Total:     len(insts),
	}
	e.logger.Info().Int("total", report.Total).Int("processed", report.Processed).Int("completed", report.Completed).Int("failed", report.Failed).Dur("took", time.Since(start)).Msg("reconcile: sweep finished")
	return report, nil
}

func (e *Engine) reconcile(ctx context.Context, inst *domain.WorkflowInstance) (verdict, error) {
	now := e.now()
	if err := e.store.Workflows().Touch(ctx, inst.ID, now); err != nil {
		e.logger.Warn().Err(err).Str("workflow_id", inst.ID).Msg("reconcile: touch failed")
	}
	table, ok := workflow.Lookup(inst.Kind)
	if !ok {
		return verdictNone, fmt.Errorf("%w: %q", domain.ErrUnknownKind, inst.Kind)
	}
	step, _, ok := table.Step(string(inst.Status))
	if !ok {
		return verdictNone, nil
	}
	age := now.Sub(inst.UpdatedAt)

	if step.Task == "" {
		if age < e.mergeResumeAfter {
			return verdictNone, nil
		}
		e.logger.Warn().Str("workflow_id", inst.ID).Dur("age", age).Msg("reconcile: resuming merge")
		return e.settle(e.ctrl.ResumeMerge(ctx, inst))
	}

	timeout := e.timeouts[step.Task]
	handles, err := e.pendingHandles(ctx, inst, step)
	if err != nil {
		return verdictNone, err
	}

	result := verdictNone
	var pollErr error
	for _, h := range handles {
		res, err := e.client.Poll(ctx, h)
		if err != nil {
			e.logger.Warn().Err(err).Str("workflow_id", inst.ID).Str("task_id", h).Msg("reconcile: poll failed")
			pollErr = fmt.Errorf("poll %s: %w", h, err)
			continue
		}
		if res.State == generation.StateWaiting {
			continue
		}
		next, err := e.ctrl.Advance(ctx, inst, h, res)
		v, err := e.settle(next, err)
		if err != nil {
			return result, err
		}
		if v == verdictNone {
			return result, nil
		}
		if v == verdictFailed || next.Status != inst.Status {
			return v, nil
		}
		result = v
	}

	if step.FanOut && len(inst.Handles(step.Name)) > 0 {
		remaining, err := e.pendingHandles(ctx, inst, step)
		if err != nil {
			return result, err
		}
		if len(remaining) == 0 {
			next, err := e.ctrl.ResumeFanIn(ctx, inst)
			v, err := e.settle(next, err)
			if err != nil {
				return result, err
			}
			if v != verdictNone && next.Status != inst.Status {
				e.logger.Warn().Str("workflow_id", inst.ID).Str("status", string(next.Status)).Msg("reconcile: fan-in resumed from segment rows")
				return v, nil
			}
		}
	}

	if timeout > 0 && age > timeout {
		reason := fmt.Sprintf("%s timed out after %s", step.Name, timeout.Round(time.Second))
		return e.settle(e.ctrl.Fail(ctx, inst, reason))
	}
	return result, pollErr
}

// pendingHandles lists the handles still worth polling: the step's handle, or
// every segment still generating for a fan-out step.
func (e *Engine) pendingHandles(ctx context.Context, inst *domain.WorkflowInstance, step workflow.Step) ([]string, error) {
	if !step.FanOut {
		return inst.Handles(step.Name), nil
	}
	if len(inst.Handles(step.Name)) == 0 {
		return nil, nil
	}
	segs, err := e.store.Segments().List(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var out []string
	for _, s := range segs {
		if s.Status == domain.SegmentGenerating && s.TaskID != "" {
			out = append(out, s.TaskID)
		}
	}
	return out, nil
}

func (e *Engine) settle(next *domain.WorkflowInstance, err error) (verdict, error) {
	if errors.Is(err, domain.ErrStaleState) {
		telemetry.ReconcileRaces.WithLabelValues("sweep").Inc()
		return verdictNone, nil
	}
	if err != nil {
		return verdictNone, err
	}
	if next.Status == domain.StatusFailed {
		return verdictFailed, nil
	}
	return verdictAdvanced, nil
}
