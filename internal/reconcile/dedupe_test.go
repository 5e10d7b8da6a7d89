package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisDeduperClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	d := redisDeduper(t)

	first, err := d.Claim(ctx, "kie:task-1:200")
	require.NoError(t, err)
	require.True(t, first)

	again, err := d.Claim(ctx, "kie:task-1:200")
	require.NoError(t, err)
	require.False(t, again)

	other, err := d.Claim(ctx, "kie:task-1:500")
	require.NoError(t, err)
	require.True(t, other)

	require.NoError(t, d.Release(ctx, "kie:task-1:200"))
	first, err = d.Claim(ctx, "kie:task-1:200")
	require.NoError(t, err)
	require.True(t, first)
}
