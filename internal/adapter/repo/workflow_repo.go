package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/sqlinline"
)

// WorkflowRepositoryPG implements domain.WorkflowRepository.
type WorkflowRepositoryPG struct {
	db infra.SQLExecutor
}

// Create inserts a new instance and fills its timestamps.
func (r *WorkflowRepositoryPG) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	input, outputs, err := encodeDocuments(inst)
	if err != nil {
		return err
	}
	row := r.db.QueryRow(ctx, sqlinline.QInsertWorkflowInstance,
		inst.ID,
		inst.OwnerID,
		string(inst.Kind),
		string(inst.Status),
		inst.CurrentStep,
		inst.Progress,
		input,
		domain.EncodeLists(inst.TaskHandles),
		domain.EncodeLists(inst.Artifacts),
		outputs,
		inst.FinalArtifactURL,
		string(inst.BillingMode),
		inst.CreditsReserved,
		inst.CreditsCharged,
		inst.CreditsRefunded,
		inst.ErrorMessage,
		inst.Version,
	)
	if err := row.Scan(&inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get fetches an instance by id.
func (r *WorkflowRepositoryPG) Get(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	return scanInstance(r.db.QueryRow(ctx, sqlinline.QSelectWorkflowInstance, id))
}

// GetOwned fetches an instance only when ownerID owns it.
func (r *WorkflowRepositoryPG) GetOwned(ctx context.Context, ownerID, id string) (*domain.WorkflowInstance, error) {
	return scanInstance(r.db.QueryRow(ctx, sqlinline.QSelectOwnedWorkflowInstance, id, ownerID))
}

// FindByTaskHandle resolves a provider task id to the instance that recorded it.
func (r *WorkflowRepositoryPG) FindByTaskHandle(ctx context.Context, handle string) (*domain.WorkflowInstance, error) {
	return scanInstance(r.db.QueryRow(ctx, sqlinline.QSelectWorkflowByTaskHandle, handle))
}

// Update writes next only while the row still holds prev and next.Version.
// On success next carries the bumped version and timestamps.
func (r *WorkflowRepositoryPG) Update(ctx context.Context, next *domain.WorkflowInstance, prev domain.Status) error {
	input, outputs, err := encodeDocuments(next)
	if err != nil {
		return err
	}
	var (
		version   int
		processed time.Time
		updated   time.Time
	)
	row := r.db.QueryRow(ctx, sqlinline.QUpdateWorkflowInstance,
		next.ID,
		string(prev),
		next.Version,
		string(next.Status),
		next.CurrentStep,
		next.Progress,
		input,
		domain.EncodeLists(next.TaskHandles),
		domain.EncodeLists(next.Artifacts),
		outputs,
		next.FinalArtifactURL,
		next.CreditsReserved,
		next.CreditsCharged,
		next.CreditsRefunded,
		next.ErrorMessage,
	)
	if err := row.Scan(&version, &processed, &updated); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrStaleState
		}
		return fmt.Errorf("update workflow instance: %w", err)
	}
	next.Version = version
	next.LastProcessedAt = &processed
	next.UpdatedAt = updated
	return nil
}

// ListInFlight returns instances in the given statuses, least recently
// processed first.
func (r *WorkflowRepositoryPG) ListInFlight(ctx context.Context, statuses []domain.Status, limit int) ([]*domain.WorkflowInstance, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.db.Query(ctx, sqlinline.QListInFlightWorkflows, names, limit)
	if err != nil {
		return nil, fmt.Errorf("list in-flight workflows: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Touch stamps last_processed_at without changing the version.
func (r *WorkflowRepositoryPG) Touch(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, sqlinline.QTouchWorkflowInstance, id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDownloaded flips the downloaded flag once. It reports false when the
// instance was already downloaded.
func (r *WorkflowRepositoryPG) MarkDownloaded(ctx context.Context, id string, credits int) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QMarkWorkflowDownloaded, id, credits)
	if err != nil {
		return false, fmt.Errorf("mark workflow downloaded: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, sqlinline.QWorkflowExists, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check workflow exists: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func scanInstance(row scanner) (*domain.WorkflowInstance, error) {
	var (
		inst                           domain.WorkflowInstance
		kind, status, billing          string
		input, handles, artifacts, out []byte
		processed                      *time.Time
	)
	if err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&kind,
		&status,
		&inst.CurrentStep,
		&inst.Progress,
		&input,
		&handles,
		&artifacts,
		&out,
		&inst.FinalArtifactURL,
		&billing,
		&inst.CreditsReserved,
		&inst.CreditsCharged,
		&inst.CreditsRefunded,
		&inst.Downloaded,
		&inst.DownloadCreditsUsed,
		&inst.ErrorMessage,
		&inst.Version,
		&processed,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow instance: %w", err)
	}
	inst.Kind = domain.WorkflowKind(kind)
	inst.Status = domain.Status(status)
	inst.BillingMode = domain.BillingMode(billing)
	inst.LastProcessedAt = processed

	if len(input) > 0 {
		if err := json.Unmarshal(input, &inst.Input); err != nil {
			return nil, fmt.Errorf("decode workflow input: %w", err)
		}
	}
	var err error
	if inst.TaskHandles, err = domain.DecodeLists(handles); err != nil {
		return nil, fmt.Errorf("decode task handles: %w", err)
	}
	if inst.Artifacts, err = domain.DecodeLists(artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	inst.Outputs = map[string]string{}
	if len(out) > 0 {
		if err := json.Unmarshal(out, &inst.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return &inst, nil
}

func encodeDocuments(inst *domain.WorkflowInstance) ([]byte, []byte, error) {
	input, err := json.Marshal(inst.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("encode workflow input: %w", err)
	}
	outputs := inst.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	out, err := json.Marshal(outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode outputs: %w", err)
	}
	return input, out, nil
}
