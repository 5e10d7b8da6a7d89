package segments

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lantianlaoli/flowtra/internal/domain"
)

const defaultDurationSeconds = 8

type planDoc struct {
	Segments []struct {
		Prompt   string `json:"prompt"`
		Duration int    `json:"duration"`
	} `json:"segments"`
}

// Plan builds n pending segments. Continuity is fixed here: segment k+1
// starts on the frame segment k closes on, so every segment can be submitted
// at once.
func Plan(instanceID string, n int, planText, sourceImage string, keyframes []string) []domain.Segment {
	if n <= 0 {
		return nil
	}
	prompts, durations := parsePlan(planText, n)
	frames := buildFrames(sourceImage, keyframes, n)
	out := make([]domain.Segment, n)
	for k := 0; k < n; k++ {
		out[k] = domain.Segment{
			WorkflowInstanceID: instanceID,
			Index:              k,
			Status:             domain.SegmentPending,
			Prompt:             prompts[k],
			DurationSeconds:    durations[k],
			FirstFrameURL:      frames[k],
			ClosingFrameURL:    frames[k+1],
		}
	}
	return out
}

func parsePlan(text string, n int) ([]string, []int) {
	prompts := make([]string, n)
	durations := make([]int, n)
	for i := range durations {
		durations[i] = defaultDurationSeconds
	}

	var doc planDoc
	if raw := jsonObject(text); raw != "" && json.Unmarshal([]byte(raw), &doc) == nil && len(doc.Segments) > 0 {
		for k := 0; k < n; k++ {
			src := doc.Segments[min(k, len(doc.Segments)-1)]
			prompts[k] = strings.TrimSpace(src.Prompt)
			if k >= len(doc.Segments) {
				prompts[k] = fmt.Sprintf("%s (continued, part %d)", prompts[k], k+1)
			}
			if src.Duration > 0 {
				durations[k] = src.Duration
			}
		}
		return prompts, durations
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		for k := range prompts {
			prompts[k] = fmt.Sprintf("Segment %d of %d", k+1, n)
		}
		return prompts, durations
	}
	size := (len(words) + n - 1) / n
	for k := 0; k < n; k++ {
		lo := min(k*size, len(words))
		hi := min(lo+size, len(words))
		if lo == hi {
			prompts[k] = prompts[max(k-1, 0)]
			continue
		}
		prompts[k] = strings.Join(words[lo:hi], " ")
	}
	return prompts, durations
}

// jsonObject extracts the outermost {...} span, tolerating prose around it.
func jsonObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// buildFrames returns exactly n+1 continuity frames.
func buildFrames(source string, generated []string, n int) []string {
	need := n + 1
	if len(generated) >= need {
		return append([]string(nil), generated[:need]...)
	}
	frames := make([]string, 0, need)
	if source = strings.TrimSpace(source); source != "" {
		frames = append(frames, source)
	}
	frames = append(frames, generated...)
	for len(frames) < need {
		last := ""
		if len(frames) > 0 {
			last = frames[len(frames)-1]
		}
		frames = append(frames, last)
	}
	return frames[:need]
}
