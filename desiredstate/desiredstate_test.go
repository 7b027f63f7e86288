package desiredstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLatestStampWins(t *testing.T) {
	c := New()
	require.True(t, c.Write(5, 10))
	assert.False(t, c.Write(3, 5), "older stamp must not win")
	assert.Equal(t, Snapshot{Count: 5, Stamp: 10}, c.Read())

	require.True(t, c.Write(-4, 11))
	assert.Equal(t, Snapshot{Count: -4, Stamp: 11}, c.Read())
}

func TestReadAndResidualFullyServed(t *testing.T) {
	c := New()
	c.Write(3, 1)
	read := c.ReadAndResidual(3, 2)
	assert.Equal(t, int64(3), read.Count)
	assert.Equal(t, Snapshot{Count: 0, Stamp: 2}, c.Read())
}

func TestReadAndResidualPartialFillRetainsSign(t *testing.T) {
	c := New()
	c.Write(5, 1)
	c.ReadAndResidual(2, 2)
	assert.Equal(t, Snapshot{Count: 3, Stamp: 2}, c.Read())
}

func TestReadAndResidualNegativeCount(t *testing.T) {
	c := New()
	c.Write(-10, 1)
	c.ReadAndResidual(3, 2)
	assert.Equal(t, Snapshot{Count: -7, Stamp: 2}, c.Read())
}

func TestReadAndResidualIgnoresStaleStamp(t *testing.T) {
	c := New()
	c.Write(5, 10)
	read := c.ReadAndResidual(1, 3)
	assert.Equal(t, int64(5), read.Count)
	// stale stamp: the write portion is skipped, value is untouched
	assert.Equal(t, Snapshot{Count: 5, Stamp: 10}, c.Read())
}

func TestSupersededDemandScenario(t *testing.T) {
	// Controller writes (10, t1) then (-4, t2>t1) before any offer arrives.
	c := New()
	c.Write(10, 1)
	c.Write(-4, 2)
	read := c.ReadAndResidual(3, 3)
	assert.Equal(t, int64(-4), read.Count)
	assert.Equal(t, Snapshot{Count: -1, Stamp: 3}, c.Read())
}
