package migration

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordFailureAccumulatesAttempts(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.RecordFailure("i1", "spot_reclaimed", "no capacity"))
	require.NoError(t, l.RecordFailure("i1", "spot_reclaimed", "still no capacity"))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i1", pending[0].InstanceID)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "still no capacity", pending[0].Error)
	assert.False(t, pending[0].FirstFailedAt.IsZero())
	assert.True(t, !pending[0].LastFailedAt.Before(pending[0].FirstFailedAt))
}

func TestPendingHonorsRetryBudget(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordFailure("exhausted", "spot_reclaimed", "boom"))
	}
	require.NoError(t, l.RecordFailure("fresh", "spot_reclaimed", "boom"))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].InstanceID)
}

func TestResolveDropsEntry(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.RecordFailure("i1", "spot_reclaimed", "boom"))
	require.NoError(t, l.Resolve("i1"))
	require.NoError(t, l.Resolve("never-existed"))

	pending, err := l.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < historyCap+10; i++ {
		run := &Run{
			StartedAt: time.Now(),
			Scanned:   i,
			Duration:  fmt.Sprintf("%dms", i),
		}
		require.NoError(t, l.AppendHistory(run))
	}

	runs, err := l.History(0)
	require.NoError(t, err)
	require.Len(t, runs, historyCap)

	// Newest first, oldest ten pruned
	assert.Equal(t, historyCap+9, runs[0].Scanned)
	assert.Equal(t, 10, runs[len(runs)-1].Scanned)

	// The bucket itself holds exactly the cap, no stragglers below
	// the read window
	var keys int
	require.NoError(t, l.db.View(func(tx *bolt.Tx) error {
		keys = tx.Bucket(bucketHistory).Stats().KeyN
		return nil
	}))
	assert.Equal(t, historyCap, keys)

	short, err := l.History(5)
	require.NoError(t, err)
	require.Len(t, short, 5)
	assert.Equal(t, historyCap+9, short[0].Scanned)
}
