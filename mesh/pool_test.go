package mesh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolForEachIndexRunsAll(t *testing.T) {
	p := NewPool(4, context.Background())
	var count int64
	err := p.ForEachIndex(100, func(i int) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 100, count)
}

func TestPoolForEachIndexPropagatesFirstError(t *testing.T) {
	p := NewPool(4, context.Background())
	sentinel := errors.New("boom")
	err := p.ForEachIndex(10, func(i int) error {
		if i == 3 {
			return sentinel
		}
		return nil
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestPoolPartitionsCoverRange(t *testing.T) {
	p := NewPool(3, context.Background())
	parts := p.Partitions(10)
	total := 0
	prevEnd := 0
	for _, part := range parts {
		assert.Equal(t, prevEnd, part[0])
		total += part[1] - part[0]
		prevEnd = part[1]
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, 10, prevEnd)
}

func TestPoolPartitionsSmallerThanPoolSize(t *testing.T) {
	p := NewPool(8, context.Background())
	parts := p.Partitions(3)
	assert.Len(t, parts, 3)
}

func TestLayerLocksOrderedAcquisition(t *testing.T) {
	ll := NewLayerLocks(5)
	unlock := ll.LockPair(3, 1)
	unlock()
	unlock2 := ll.LockPair(1, 3)
	unlock2()
}

func TestLayerLocksSameLayer(t *testing.T) {
	ll := NewLayerLocks(2)
	unlock := ll.LockPair(1, 1)
	unlock()
}
