package dumbbell

// queue.go holds the drop-tail FIFO that sits in front of every egress
// interface.  The packet being serialized onto the wire has left the
// queue, so occupancy counts only packets waiting for the transmitter.

// DropTailQueue is a bounded FIFO of packets.  An arrival that finds the
// queue full is discarded; nothing is signalled back to the sender.
type DropTailQueue struct {
	capacity int       // maximum number of packets held
	inQ      []*packet // packets waiting, in arrival order

	peak     int // largest occupancy seen
	enqueued int // packets accepted
	dequeued int // packets removed for transmission
	dropped  int // packets discarded on arrival, or flushed
}

// CreateDropTailQueue is a constructor.  capacity is in packets and must be positive
func CreateDropTailQueue(capacity int) *DropTailQueue {
	if capacity < 1 {
		panic("drop-tail queue capacity must be positive")
	}
	dtq := new(DropTailQueue)
	dtq.capacity = capacity
	dtq.inQ = make([]*packet, 0, capacity)
	return dtq
}

// enqueue appends the packet if there is room, and reports whether it did
func (dtq *DropTailQueue) enqueue(pckt *packet) bool {
	if len(dtq.inQ) >= dtq.capacity {
		dtq.dropped += 1
		return false
	}
	dtq.inQ = append(dtq.inQ, pckt)
	dtq.enqueued += 1
	if len(dtq.inQ) > dtq.peak {
		dtq.peak = len(dtq.inQ)
	}
	return true
}

// dequeue removes (and returns) the earliest packet in the queue, nil if it is empty
func (dtq *DropTailQueue) dequeue() *packet {
	if len(dtq.inQ) == 0 {
		return nil
	}
	pckt := dtq.inQ[0]
	dtq.inQ[0] = nil
	dtq.inQ = dtq.inQ[1:]
	dtq.dequeued += 1
	return pckt
}

// flush discards everything queued, counting each as a drop, and returns the packets
func (dtq *DropTailQueue) flush() []*packet {
	flushed := dtq.inQ
	dtq.dropped += len(flushed)
	dtq.inQ = make([]*packet, 0, dtq.capacity)
	return flushed
}

// Len returns the number of packets waiting
func (dtq *DropTailQueue) Len() int {
	return len(dtq.inQ)
}

// Capacity returns the most packets the queue holds
func (dtq *DropTailQueue) Capacity() int {
	return dtq.capacity
}

// Peak returns the largest occupancy observed
func (dtq *DropTailQueue) Peak() int {
	return dtq.peak
}

// Drops returns the number of packets discarded
func (dtq *DropTailQueue) Drops() int {
	return dtq.dropped
}

// Enqueued returns the number of packets accepted
func (dtq *DropTailQueue) Enqueued() int {
	return dtq.enqueued
}

// Dequeued returns the number of packets handed to the transmitter
func (dtq *DropTailQueue) Dequeued() int {
	return dtq.dequeued
}
