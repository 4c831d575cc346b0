package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLcReadMiss(t *testing.T) {
	s := New(nil)
	_, ok := s.LcRead(1)
	assert.False(t, ok)
}

func TestLcWriteThenRead(t *testing.T) {
	s := New(nil)
	prev, had := s.LcWrite(5, "alice")
	assert.False(t, had)
	assert.Empty(t, prev)

	v, ok := s.LcRead(5)
	require.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestLcWriteReturnsPrevious(t *testing.T) {
	s := New(nil)
	s.LcWrite(5, "alice")
	prev, had := s.LcWrite(5, "bob")
	assert.True(t, had)
	assert.Equal(t, "alice", prev)

	v, _ := s.LcRead(5)
	assert.Equal(t, "bob", v)
}

func TestBeScanCountsMatches(t *testing.T) {
	s := New(map[uint64]string{
		0: "alice",
		1: "alicia",
		2: "bob",
		3: "alison",
	})
	assert.Equal(t, 3, s.BeScan("ali"))
	assert.Equal(t, 0, s.BeScan("zzz"))
	assert.Equal(t, 4, s.BeScan(""))
}

func TestBeScanOverManyEntriesYields(t *testing.T) {
	n := 1 << 12 // several multiples of 2^YieldFreq
	table := make(map[uint64]string, n)
	for i := 0; i < n; i++ {
		table[uint64(i)] = fmt.Sprintf("user%d", i)
	}
	s := New(table)
	assert.Equal(t, n, s.BeScan("user"))
}

func TestBeScanSeesSnapshotNotLiveWrites(t *testing.T) {
	s := New(map[uint64]string{0: "alice"})
	// BeScan clones under lock before scanning; a write landing after the
	// clone must not retroactively appear in that scan's count.
	before := s.BeScan("alice")
	s.LcWrite(1, "alice2")
	assert.Equal(t, 1, before)
}
