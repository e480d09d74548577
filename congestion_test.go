package dumbbell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCongestionOps(t *testing.T) {
	for _, name := range []string{"newreno", "TcpNewReno", "reno"} {
		ops, err := createCongestionOps(name)
		require.NoError(t, err)
		assert.Equal(t, "newreno", ops.Name())
	}
	ops, err := createCongestionOps("fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", ops.Name())

	_, err = createCongestionOps("cubic")
	assert.Error(t, err)
}

func TestNewRenoWindow(t *testing.T) {
	nr := new(newReno)
	st := &CongState{SegmentSize: 500}
	nr.Init(st, 10)
	assert.Equal(t, 5000, st.Cwnd)

	// slow start grows one segment per segment acknowledged
	nr.IncreaseWindow(st, 2)
	assert.Equal(t, 6000, st.Cwnd)

	// loss halves what was in flight
	nr.EnterRecovery(st, 6000)
	assert.Equal(t, 3000, st.Ssthresh)
	assert.Equal(t, 3000, st.Cwnd)
	nr.ExitRecovery(st)
	assert.Equal(t, 3000, st.Cwnd)

	// congestion avoidance adds about a segment per window
	for idx := 0; idx < 6; idx++ {
		nr.IncreaseWindow(st, 1)
	}
	assert.InDelta(t, 3500, st.Cwnd, 50)

	nr.OnTimeout(st, 800)
	assert.Equal(t, 500, st.Cwnd)
	assert.Equal(t, 1000, st.Ssthresh, "ssthresh never falls below two segments")
}

func TestFixedWindowNeverMoves(t *testing.T) {
	fw := new(fixedWindow)
	st := &CongState{SegmentSize: 1000}
	fw.Init(st, 4)
	fw.IncreaseWindow(st, 10)
	fw.EnterRecovery(st, 4000)
	fw.OnTimeout(st, 4000)
	fw.ExitRecovery(st)
	assert.Equal(t, 4000, st.Cwnd)
}
