package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lantianlaoli/flowtra/internal/domain"
	"github.com/lantianlaoli/flowtra/internal/providers/generation"
)

func TestTablesAreWellFormed(t *testing.T) {
	for _, kind := range Kinds() {
		table, ok := Lookup(kind)
		require.True(t, ok)
		require.NotEmpty(t, table.Steps)
		require.NotEmpty(t, table.Steps[0].Task, "%s must start with a provider task", kind)

		last := 0
		for _, s := range table.Steps {
			require.Greater(t, s.Progress, last, "%s/%s progress must increase", kind, s.Name)
			require.Less(t, s.Progress, 100)
			last = s.Progress
		}
		_, _, ok = table.Step(table.Reentry)
		require.True(t, ok)
		_, ok = table.Prices[table.DefaultModel]
		require.True(t, ok)
	}
}

func TestInFlightStatusesExcludeTerminal(t *testing.T) {
	statuses := InFlightStatuses()
	require.Contains(t, statuses, domain.Status("awaiting_merge"))
	require.Contains(t, statuses, domain.Status("generating_video"))
	require.NotContains(t, statuses, domain.StatusPending)
	require.NotContains(t, statuses, domain.StatusCompleted)
	require.NotContains(t, statuses, domain.StatusFailed)
}

func TestNextWalksTheTable(t *testing.T) {
	table, _ := Lookup(domain.KindMultiSegment)
	next, ok := table.Next("generating_segments")
	require.True(t, ok)
	require.Equal(t, "awaiting_merge", next.Name)
	require.Empty(t, next.Task)
	_, ok = table.Next("merging")
	require.False(t, ok)

	fan, ok := table.FanOutStep()
	require.True(t, ok)
	require.Equal(t, generation.StepVideo, fan.Task)
}

func TestQuoteByModelAndSegments(t *testing.T) {
	table, _ := Lookup(domain.KindMultiSegment)
	in := table.Normalize(domain.WorkflowInput{ImageURL: "x"})
	require.Equal(t, 3, in.SegmentCount)
	require.Equal(t, "9:16", in.AspectRatio)
	q, err := table.Quote(in)
	require.NoError(t, err)
	require.Equal(t, Quote{Mode: domain.BillingAtGeneration, Credits: 75}, q)

	in.SegmentCount = 9
	require.ErrorIs(t, table.Validate(in), domain.ErrValidation)

	img, _ := Lookup(domain.KindImageToVideo)
	q, err = img.Quote(img.Normalize(domain.WorkflowInput{ProductID: "p"}))
	require.NoError(t, err)
	require.Equal(t, domain.BillingAtDownload, q.Mode)
	q, err = img.Quote(domain.WorkflowInput{Model: "veo3"})
	require.NoError(t, err)
	require.Equal(t, Quote{Mode: domain.BillingAtGeneration, Credits: 150}, q)
}

func TestValidateCustomScriptNeedsScript(t *testing.T) {
	table, _ := Lookup(domain.KindImageToVideo)
	in := table.Normalize(domain.WorkflowInput{ImageURL: "x", CustomScript: true})
	require.ErrorIs(t, table.Validate(in), domain.ErrValidation)
	in.Script = "Hold the bottle up and smile."
	require.NoError(t, table.Validate(in))
}

func TestMessageFallsBackForTerminalStatuses(t *testing.T) {
	table, _ := Lookup(domain.KindImageToVideo)
	require.Equal(t, "Generating video", table.Message("generating_video"))
	require.NotEmpty(t, table.Message(domain.StatusCompleted))
	require.NotEmpty(t, table.Message(domain.StatusFailed))
}
