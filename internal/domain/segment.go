package domain

import "time"

// SegmentStatus is the lifecycle of one slice of a multi-segment video.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentGenerating SegmentStatus = "generating"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// Segment is one independently generated slice. FirstFrameURL of segment k+1
// equals ClosingFrameURL of segment k, fixed when the plan is created.
type Segment struct {
	WorkflowInstanceID string
	Index              int
	Status             SegmentStatus
	Prompt             string
	DurationSeconds    int
	FirstFrameURL      string
	ClosingFrameURL    string
	TaskID             string
	VideoURL           string
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
