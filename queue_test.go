package dumbbell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedPckts(n int) []*packet {
	pckts := make([]*packet, 0, n)
	for idx := 0; idx < n; idx++ {
		pckts = append(pckts, &packet{id: idx + 1, payload: 500})
	}
	return pckts
}

func TestDropTailQueueOverflow(t *testing.T) {
	const capacity = 5
	dtq := CreateDropTailQueue(capacity)

	accepted := 0
	for _, pckt := range queuedPckts(capacity + 1) {
		if dtq.enqueue(pckt) {
			accepted += 1
		}
	}
	assert.Equal(t, capacity, accepted)
	assert.Equal(t, 1, dtq.Drops())
	assert.Equal(t, capacity, dtq.Peak())
	assert.Equal(t, capacity, dtq.Len())

	// the accepted packets leave in arrival order; the last arrival was the one dropped
	for want := 1; want <= capacity; want++ {
		pckt := dtq.dequeue()
		require.NotNil(t, pckt)
		assert.Equal(t, want, pckt.id)
	}
	assert.Nil(t, dtq.dequeue())
	assert.Equal(t, capacity, dtq.Dequeued())
	assert.Equal(t, capacity, dtq.Enqueued())
}

func TestDropTailQueueCapacityOne(t *testing.T) {
	dtq := CreateDropTailQueue(1)
	pckts := queuedPckts(3)

	assert.True(t, dtq.enqueue(pckts[0]))
	assert.False(t, dtq.enqueue(pckts[1]))
	assert.Equal(t, pckts[0], dtq.dequeue())
	assert.True(t, dtq.enqueue(pckts[2]))
	assert.Equal(t, 1, dtq.Peak())
	assert.Equal(t, 1, dtq.Drops())
}

func TestDropTailQueueFlush(t *testing.T) {
	dtq := CreateDropTailQueue(10)
	for _, pckt := range queuedPckts(4) {
		dtq.enqueue(pckt)
	}
	flushed := dtq.flush()
	assert.Len(t, flushed, 4)
	assert.Equal(t, 0, dtq.Len())
	assert.Equal(t, 4, dtq.Drops())
	assert.Equal(t, 4, dtq.Peak())
}

func TestDropTailQueueRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { CreateDropTailQueue(0) })
}

func TestInstallQueueFlushesOldQueue(t *testing.T) {
	topo, err := BuildTopology(testExpCfg())
	require.NoError(t, err)

	egress := topo.RouterEgress
	old := egress.Queue()
	for _, pckt := range queuedPckts(3) {
		old.enqueue(pckt)
	}

	flushed := egress.installQueue(CreateDropTailQueue(7))
	assert.Len(t, flushed, 3)
	assert.Equal(t, 3, old.Drops())
	assert.Equal(t, 7, egress.Queue().Capacity())
	assert.Equal(t, 0, egress.Queue().Len())
}
