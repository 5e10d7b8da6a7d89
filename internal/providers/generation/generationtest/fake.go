// Package generationtest provides a scripted generation.Client for tests.
package generationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/lantianlaoli/flowtra/internal/providers/generation"
)

// Submission is one recorded Submit call.
type Submission struct {
	Handle  string
	Kind    generation.StepKind
	Payload generation.Payload
}

// Fake hands out sequential handles and answers polls from a table. Unknown
// handles poll as waiting.
type Fake struct {
	mu          sync.Mutex
	seq         int
	submissions []Submission
	results     map[string]generation.PollResult
	SubmitErr   map[generation.StepKind]error
	PollErr     error
}

func New() *Fake {
	return &Fake{
		results:   make(map[string]generation.PollResult),
		SubmitErr: make(map[generation.StepKind]error),
	}
}

func (f *Fake) Submit(_ context.Context, kind generation.StepKind, payload generation.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SubmitErr[kind]; err != nil {
		return "", err
	}
	f.seq++
	handle := fmt.Sprintf("task-%d", f.seq)
	f.submissions = append(f.submissions, Submission{Handle: handle, Kind: kind, Payload: payload})
	return handle, nil
}

func (f *Fake) Poll(_ context.Context, handle string) (generation.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PollErr != nil {
		return generation.PollResult{}, f.PollErr
	}
	if res, ok := f.results[handle]; ok {
		return res, nil
	}
	return generation.PollResult{State: generation.StateWaiting}, nil
}

// Complete scripts the poll answer for handle.
func (f *Fake) Complete(handle string, res generation.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[handle] = res
}

// Submissions returns a copy of every accepted submission.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// CountKind reports accepted submissions of one kind.
func (f *Fake) CountKind(kind generation.StepKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submissions {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent submission.
func (f *Fake) Last() Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submissions) == 0 {
		return Submission{}
	}
	return f.submissions[len(f.submissions)-1]
}

var _ generation.Client = (*Fake)(nil)
