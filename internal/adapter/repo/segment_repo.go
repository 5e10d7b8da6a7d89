package repo

import (
	"context"
	"fmt"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/infra"
	"github.com/lantianlaoli/flowtra/internal/sqlinline"
)

// SegmentRepositoryPG implements domain.SegmentRepository.
type SegmentRepositoryPG struct {
	db infra.SQLExecutor
}

// ReplacePlan drops any previous plan of the instance and inserts segs.
func (r *SegmentRepositoryPG) ReplacePlan(ctx context.Context, instanceID string, segs []domain.Segment) error {
	if _, err := r.db.Exec(ctx, sqlinline.QDeleteWorkflowSegments, instanceID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	for _, seg := range segs {
		status := seg.Status
		if status == "" {
			status = domain.SegmentPending
		}
		if _, err := r.db.Exec(ctx, sqlinline.QInsertWorkflowSegment,
			instanceID,
			seg.Index,
			string(status),
			seg.Prompt,
			seg.DurationSeconds,
			seg.FirstFrameURL,
			seg.ClosingFrameURL,
			seg.TaskID,
			seg.VideoURL,
			seg.ErrorMessage,
		); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}
	return nil
}

func (r *SegmentRepositoryPG) List(ctx context.Context, instanceID string) ([]domain.Segment, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListWorkflowSegments, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		var (
			seg    domain.Segment
			status string
		)
		if err := rows.Scan(
			&seg.WorkflowInstanceID,
			&seg.Index,
			&status,
			&seg.Prompt,
			&seg.DurationSeconds,
			&seg.FirstFrameURL,
			&seg.ClosingFrameURL,
			&seg.TaskID,
			&seg.VideoURL,
			&seg.ErrorMessage,
			&seg.CreatedAt,
			&seg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Status = domain.SegmentStatus(status)
		out = append(out, seg)
	}
	return out, rows.Err()
}

// MarkGenerating moves a pending segment to generating with its task id.
func (r *SegmentRepositoryPG) MarkGenerating(ctx context.Context, instanceID string, index int, taskID string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QMarkSegmentGenerating, instanceID, index, taskID)
	if err != nil {
		return fmt.Errorf("mark segment generating: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.missOrStale(ctx, instanceID, index)
}

// MarkFailed fails a segment that never reached the provider.
func (r *SegmentRepositoryPG) MarkFailed(ctx context.Context, instanceID string, index int, errMsg string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QMarkSegmentFailed, instanceID, index, errMsg)
	if err != nil {
		return fmt.Errorf("mark segment failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.missOrStale(ctx, instanceID, index)
}

// Resolve applies a provider outcome to the generating segment owning taskID.
// It reports false when no such segment is still generating.
func (r *SegmentRepositoryPG) Resolve(ctx context.Context, instanceID, taskID string, status domain.SegmentStatus, videoURL, errMsg string) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QResolveSegment, instanceID, taskID, string(status), videoURL, errMsg)
	if err != nil {
		return false, fmt.Errorf("resolve segment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SegmentRepositoryPG) missOrStale(ctx context.Context, instanceID string, index int) error {
	var exists bool
	if err := r.db.QueryRow(ctx, sqlinline.QSegmentExists, instanceID, index).Scan(&exists); err != nil {
		return fmt.Errorf("check segment exists: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStaleState
}
