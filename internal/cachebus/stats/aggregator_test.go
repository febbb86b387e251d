package stats

import (
	"testing"

	"github.com/cachemgr/bus/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start int64) func() int64 {
	now := start
	return func() int64 {
		v := now
		now++
		return v
	}
}

func TestRecordAccumulatesMinMaxSum(t *testing.T) {
	log := testutil.NewTestLogger(t)
	a := New(log, nil, 1000, fixedClock(0))

	a.Record("g1", 10, 5, "cache/OBJECT_RESET")
	a.Record("g1", 30, 2, "cache/OBJECT_RESET")
	a.Record("g1", 20, 8, "cache/OBJECT_RESET")

	snap := a.Snapshot()
	slot, ok := snap["g1"]
	require.True(t, ok)
	assert.Equal(t, int64(3), slot.Count)
	assert.Equal(t, int64(10), slot.TxMin)
	assert.Equal(t, int64(30), slot.TxMax)
	assert.Equal(t, int64(60), slot.TxSum)
	assert.Equal(t, int64(2), slot.PxMin)
	assert.Equal(t, int64(8), slot.PxMax)
	assert.Equal(t, int64(15), slot.PxSum)
}

func TestGroupAndRelationKeys(t *testing.T) {
	assert.Equal(t, "g42", GroupKey(42))
	assert.Equal(t, "r7", RelationKey(7))
}

func TestFlushResetsState(t *testing.T) {
	log := testutil.NewTestLogger(t)
	a := New(log, nil, 1000, fixedClock(0))
	a.Record("g1", 5, 5, "cache/OBJECT_RESET")
	a.Flush()
	assert.Equal(t, int64(0), a.CollectionMs())
	assert.Empty(t, a.Snapshot())
}

func TestDistinctKeysTrackedSeparately(t *testing.T) {
	log := testutil.NewTestLogger(t)
	a := New(log, nil, 1000, fixedClock(0))
	a.Record(GroupKey(1), 10, 10, "cache/OBJECT_RESET")
	a.Record(RelationKey(1), 20, 20, "relation/ADD")

	snap := a.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(10), snap["g1"].TxMax)
	assert.Equal(t, int64(20), snap["r1"].TxMax)
}
