package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextCursor(t *testing.T) {
	start := time.Now()

	// Pending pass keeps replaying until a pass delivers nothing.
	cursor, rescan := nextCursor("0", 5, start, start)
	require.Equal(t, "0", cursor)
	require.Equal(t, start, rescan)

	cursor, rescan = nextCursor("0", 0, start, start.Add(time.Second))
	require.Equal(t, ">", cursor)
	require.Equal(t, start.Add(time.Second), rescan)

	// Tailing stays on new entries within the rescan interval.
	cursor, _ = nextCursor(">", 3, rescan, rescan.Add(pendingRescanEvery/2))
	require.Equal(t, ">", cursor)

	// Once the interval elapses the consumer re-scans its pending list, so a
	// failed entry is replayed without a process restart.
	cursor, _ = nextCursor(">", 0, rescan, rescan.Add(pendingRescanEvery))
	require.Equal(t, "0", cursor)
}
