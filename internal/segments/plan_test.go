package segments

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lantianlaoli/flowtra/internal/domain"
)

func TestPlanChainsContinuityFrames(t *testing.T) {
	keyframes := []string{"k0", "k1", "k2", "k3"}
	plan := Plan("wf-1", 3, "", "https://cdn/source.png", keyframes)
	require.Len(t, plan, 3)
	for k, seg := range plan {
		require.Equal(t, k, seg.Index)
		require.Equal(t, domain.SegmentPending, seg.Status)
		require.Equal(t, keyframes[k], seg.FirstFrameURL)
		require.Equal(t, keyframes[k+1], seg.ClosingFrameURL)
		if k+1 < len(plan) {
			require.Equal(t, seg.ClosingFrameURL, plan[k+1].FirstFrameURL)
		}
	}
}

func TestPlanPadsMissingKeyframes(t *testing.T) {
	plan := Plan("wf-1", 3, "", "src", []string{"k1"})
	require.Equal(t, "src", plan[0].FirstFrameURL)
	require.Equal(t, "k1", plan[0].ClosingFrameURL)
	require.Equal(t, "k1", plan[1].FirstFrameURL)
	require.Equal(t, "k1", plan[2].ClosingFrameURL)
}

func TestPlanReadsJSONInsideProse(t *testing.T) {
	text := "Sure! Here is the plan:\n{\"segments\":[{\"prompt\":\"open on the bottle\",\"duration\":6},{\"prompt\":\"pour and smile\"}]}\nEnjoy."
	plan := Plan("wf-1", 3, text, "src", nil)
	require.Equal(t, "open on the bottle", plan[0].Prompt)
	require.Equal(t, 6, plan[0].DurationSeconds)
	require.Equal(t, "pour and smile", plan[1].Prompt)
	require.Equal(t, defaultDurationSeconds, plan[1].DurationSeconds)
	require.Contains(t, plan[2].Prompt, "pour and smile")
	require.Contains(t, plan[2].Prompt, "part 3")
}

func TestPlanSplitsPlainTextEvenly(t *testing.T) {
	plan := Plan("wf-1", 2, "one two three four", "src", nil)
	require.Equal(t, "one two", plan[0].Prompt)
	require.Equal(t, "three four", plan[1].Prompt)
}

func TestPlanFallsBackToNumberedPrompts(t *testing.T) {
	plan := Plan("wf-1", 2, "   ", "src", nil)
	require.Equal(t, "Segment 1 of 2", plan[0].Prompt)
	require.Equal(t, "Segment 2 of 2", plan[1].Prompt)
	require.Nil(t, Plan("wf-1", 0, "x", "src", nil))
}
