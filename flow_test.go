package dumbbell

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkSourceLifecycle(t *testing.T) {
	cfg := testExpCfg()
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)
	require.NoError(t, ResolveRoutes(topo))
	sinkAddr := netip.AddrPortFrom(topo.ReceiverIntrfc.Addr(), 911)

	bs := CreateBulkSource("bulk", topo.Sender(), sinkAddr, cfg.Flow)
	assert.Equal(t, FlowIdle, bs.State())

	evtMgr := evtm.New()
	require.NoError(t, bs.Install(evtMgr, nil))
	assert.Equal(t, FlowScheduled, bs.State())
	assert.Equal(t, "scheduled", bs.State().String())

	err = bs.Install(evtMgr, nil)
	assert.True(t, errors.Is(err, ErrOrdering))
}

func TestBulkSourceRejectsEmptyWindow(t *testing.T) {
	cfg := testExpCfg()
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)

	flow := cfg.Flow
	flow.Stop = flow.Start
	bs := CreateBulkSource("bulk", topo.Sender(), netip.AddrPortFrom(topo.ReceiverIntrfc.Addr(), 911), flow)
	err = bs.Install(evtm.New(), nil)
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Equal(t, FlowIdle, bs.State())
}

func TestInstallBeforeRouting(t *testing.T) {
	cfg := testExpCfg()
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)

	evtMgr := evtm.New()
	bs := CreateBulkSource("bulk", topo.Sender(), netip.AddrPortFrom(topo.ReceiverIntrfc.Addr(), 911), cfg.Flow)
	err = bs.Install(evtMgr, nil)
	assert.True(t, errors.Is(err, ErrOrdering))
	assert.True(t, errors.Is(err, ErrNoRoute))
	assert.Equal(t, FlowIdle, bs.State())

	require.NoError(t, ResolveRoutes(topo))
	require.NoError(t, bs.Install(evtMgr, nil))
	assert.Equal(t, FlowScheduled, bs.State())
}

func TestHaltIsIdempotent(t *testing.T) {
	cfg := testExpCfg()
	topo, err := BuildTopology(cfg)
	require.NoError(t, err)

	evtMgr := evtm.New()
	bs := CreateBulkSource("bulk", topo.Sender(), netip.AddrPortFrom(topo.ReceiverIntrfc.Addr(), 911), cfg.Flow)
	bs.Halt(evtMgr)
	assert.Equal(t, FlowCompleted, bs.State())
	assert.False(t, bs.Forced())

	bs.Halt(evtMgr)
	assert.Equal(t, FlowCompleted, bs.State())
	assert.Equal(t, 0, bs.Writes())
	assert.Equal(t, TransportStats{}, bs.TransportStats())
}
