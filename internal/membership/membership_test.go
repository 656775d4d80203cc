package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAliveWithinTimeout(t *testing.T) {
	table := NewTable(1, 5*time.Second)
	base := time.Now()
	table.Touch(2, base)
	require.True(t, table.Alive(2, base.Add(3*time.Second)))
	require.False(t, table.Alive(2, base.Add(6*time.Second)))
}

func TestSweepEmitsFailedPeersOnce(t *testing.T) {
	table := NewTable(1, 5*time.Second)
	base := time.Now()
	table.Touch(2, base)
	table.Touch(3, base)

	failed := table.Sweep(base.Add(6 * time.Second))
	require.ElementsMatch(t, []int{2, 3}, failed)

	// Already removed: a second sweep finds nothing new.
	failed = table.Sweep(base.Add(7 * time.Second))
	require.Empty(t, failed)
}

func TestSelfNeverExpires(t *testing.T) {
	table := NewTable(1, time.Millisecond)
	require.True(t, table.Alive(1, time.Now().Add(time.Hour)))
	require.Empty(t, table.Sweep(time.Now().Add(time.Hour)))
}

func TestLiveCountIncludesSelf(t *testing.T) {
	table := NewTable(1, 5*time.Second)
	now := time.Now()
	require.Equal(t, 1, table.LiveCount(now))
	table.Touch(2, now)
	require.Equal(t, 2, table.LiveCount(now))
}
