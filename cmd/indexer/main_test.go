package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmodel/indexer/internal/queue"
)

type stubEnqueuer struct {
	calls      []uint64
	priorities []queue.Priority
	duplicates map[uint64]bool
	err        error
}

func (s *stubEnqueuer) EnqueueBlock(n uint64, p queue.Priority) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.calls = append(s.calls, n)
	s.priorities = append(s.priorities, p)
	return !s.duplicates[n], nil
}

func TestParseBlockNumbers(t *testing.T) {
	numbers, err := parseBlockNumbers([]string{"1", "42", "100"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 42, 100}, numbers)

	_, err = parseBlockNumbers([]string{"1", "abc"})
	assert.Error(t, err)
}

func TestEnqueueBlockNumbers_QueuesAtHighPriority(t *testing.T) {
	q := &stubEnqueuer{duplicates: map[uint64]bool{42: true}}

	added, err := enqueueBlockNumbers(q, []uint64{10, 42, 50})
	require.NoError(t, err)

	// All three go through the queue; the live duplicate doesn't count as added.
	assert.Equal(t, []uint64{10, 42, 50}, q.calls)
	assert.Equal(t, 2, added)
	for _, p := range q.priorities {
		assert.Equal(t, queue.PriorityHigh, p)
	}
}

func TestEnqueueBlockNumbers_StopsOnError(t *testing.T) {
	q := &stubEnqueuer{err: errors.New("db down")}

	added, err := enqueueBlockNumbers(q, []uint64{10, 20})
	assert.Error(t, err)
	assert.Equal(t, 0, added)
}
