// Package generation is the uniform boundary to external asynchronous
// generative-media APIs. The orchestrator only sees Submit and Poll.
package generation

import (
	"context"
	"errors"
)

// StepKind is the unit of work a provider executes.
type StepKind string

const (
	StepAnalyze StepKind = "analyze"
	StepPrompt  StepKind = "prompt"
	StepImage   StepKind = "image"
	StepVideo   StepKind = "video"
	StepMerge   StepKind = "merge"
)

var (
	// ErrRejected means the provider refused the request. It is never retried.
	ErrRejected = errors.New("generation: request rejected")
	// ErrTransient means the provider could not be reached or was overloaded.
	// Calls failing this way are retried with backoff before surfacing.
	ErrTransient = errors.New("generation: transient failure")
	// ErrMissingAPIKey indicates a client configured without credentials.
	ErrMissingAPIKey = errors.New("generation: api key is required")
)

// Payload is the provider-neutral description of one task.
type Payload struct {
	Prompt          string            `json:"prompt,omitempty"`
	ImageURLs       []string          `json:"image_urls,omitempty"`
	VideoURLs       []string          `json:"video_urls,omitempty"`
	Model           string            `json:"model,omitempty"`
	AspectRatio     string            `json:"aspect_ratio,omitempty"`
	DurationSeconds int               `json:"duration,omitempty"`
	Count           int               `json:"count,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PollState is the coarse state of a submitted task.
type PollState string

const (
	StateWaiting   PollState = "waiting"
	StateSucceeded PollState = "succeeded"
	StateFailed    PollState = "failed"
)

// PollResult is the outcome of one poll or one push notification.
type PollResult struct {
	State        PollState
	ArtifactURLs []string
	Text         string
	Reason       string
}

// Succeeded builds a success result.
func Succeeded(text string, urls ...string) PollResult {
	return PollResult{State: StateSucceeded, ArtifactURLs: urls, Text: text}
}

// Failed builds a failure result.
func Failed(reason string) PollResult {
	return PollResult{State: StateFailed, Reason: reason}
}

// Client submits tasks and polls their state.
type Client interface {
	Submit(ctx context.Context, kind StepKind, payload Payload) (string, error)
	Poll(ctx context.Context, handle string) (PollResult, error)
}
