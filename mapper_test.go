package dm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dm/dispatch"
	"github.com/behrlich/go-dm/target"
)

var errBoom = errors.New("boom")

func newActiveMapper(t *testing.T) (*Mapper, uint32) {
	t.Helper()
	m := New(Config{HookPoolSize: 4})

	dev, err := m.CreateDevice("dm-0", -1)
	require.NoError(t, err)

	tgt := target.NewLinear(target.LinearArgs{RDevTarget: 9, Start: 1000})
	require.NoError(t, m.Activate(dev, []uint64{999}, []*target.Target{tgt}, 512))
	return m, dev.ID.Minor
}

// S1: linear routing end to end through the public facade.
func TestMapper_SubmitRequest_ForwardsThroughLinearTarget(t *testing.T) {
	m, minor := newActiveMapper(t)

	var submitted *target.Request
	m.disp.Submit = func(req *target.Request) { submitted = req }

	var completedUptodate bool
	req := &target.Request{
		RSector: 10,
		EndIO:   func(req *target.Request, uptodate bool) { completedUptodate = uptodate },
	}

	outcome, err := m.SubmitRequest(minor, req, target.Write)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeForwarded, outcome)
	require.Equal(t, uint64(9), submitted.RDev)
	require.Equal(t, uint64(1010), submitted.RSector)

	submitted.EndIO(submitted, true)
	require.True(t, completedUptodate)
}

// S2/S3: suspend drains, deactivate demotes, and a request submitted while
// CREATED is deferred until the next activate.
func TestMapper_SuspendDeactivateThenDeferredReplay(t *testing.T) {
	m, minor := newActiveMapper(t)
	m.disp.Submit = func(req *target.Request) {}

	dev, err := m.FindByMinor(minor)
	require.NoError(t, err)

	m.Suspend(dev)
	require.NoError(t, m.Deactivate(dev, nil))

	// Device is now CREATED; a submit must defer rather than error.
	outcome, err := m.SubmitRequest(minor, &target.Request{RSector: 1}, target.Read)
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeDeferred, outcome)

	// Reactivating must replay the deferred request.
	var forwardedCount int
	m.disp.Submit = func(req *target.Request) { forwardedCount++ }
	tgt := target.NewLinear(target.LinearArgs{RDevTarget: 1, Start: 0})
	require.NoError(t, m.Activate(dev, []uint64{999}, []*target.Target{tgt}, 512))
	require.Equal(t, 1, forwardedCount)
}

func TestMapper_Remove_RejectsBusyOrOpenDevice(t *testing.T) {
	m, minor := newActiveMapper(t)
	dev, err := m.FindByMinor(minor)
	require.NoError(t, err)

	require.Error(t, m.Remove(dev), "must refuse to remove an ACTIVE device")

	require.NoError(t, m.Open(minor))
	m.Suspend(dev)
	require.Error(t, m.Deactivate(dev, nil), "must refuse to deactivate a device with open handles")
	require.Error(t, m.Remove(dev), "must refuse to remove a device with open handles")

	require.NoError(t, m.Close(minor))
	require.NoError(t, m.Remove(dev))
}

func TestMapper_Ioctl_GeometryAndSize(t *testing.T) {
	m, minor := newActiveMapper(t)

	var geom IoctlArg
	require.NoError(t, m.Ioctl(minor, IoctlGetGeometry, &geom))
	require.EqualValues(t, 64, geom.Geometry.Heads)
	require.EqualValues(t, 32, geom.Geometry.Sectors)

	var size IoctlArg
	require.NoError(t, m.Ioctl(minor, IoctlGetSize, &size))
	require.Equal(t, uint64(1000*512), size.SizeBytes)
}

func TestMapper_Ioctl_ReadAheadGetSet(t *testing.T) {
	m, minor := newActiveMapper(t)

	var get IoctlArg
	require.NoError(t, m.Ioctl(minor, IoctlGetReadAhead, &get))
	require.Equal(t, uint32(64), get.ReadAhead)

	set := IoctlArg{ReadAhead: 256}
	require.NoError(t, m.Ioctl(minor, IoctlSetReadAhead, &set))

	var get2 IoctlArg
	require.NoError(t, m.Ioctl(minor, IoctlGetReadAhead, &get2))
	require.Equal(t, uint32(256), get2.ReadAhead)
}

func TestMapper_Ioctl_FlushRequiresPrivilege(t *testing.T) {
	m, minor := newActiveMapper(t)

	require.ErrorIs(t, m.Ioctl(minor, IoctlFlushBuffers, &IoctlArg{}), ErrPermissionDenied)
	require.NoError(t, m.Ioctl(minor, IoctlFlushBuffers, &IoctlArg{Privileged: true}))
}

func TestMapper_Ioctl_RereadPartitionsUnsupported(t *testing.T) {
	m, minor := newActiveMapper(t)
	require.Error(t, m.Ioctl(minor, IoctlRereadPartitions, &IoctlArg{}))
}

func TestMapper_Ioctl_UnknownCommandIsInvalidArgument(t *testing.T) {
	m, minor := newActiveMapper(t)
	err := m.Ioctl(minor, IoctlCmd(999), &IoctlArg{})
	require.ErrorIs(t, err, &Error{Code: CodeInvalidArgument})
}

func TestMapper_Ioctl_Bmap(t *testing.T) {
	m, minor := newActiveMapper(t)

	arg := IoctlArg{LogicalBlock: 5}
	require.NoError(t, m.Ioctl(minor, IoctlBmap, &arg))
	require.Equal(t, uint64(9), arg.PhysicalRDev)
	require.Equal(t, uint64(1005), arg.PhysicalSector)
}

// S4: a target's Map error must surface through the public facade wrapped
// as a dm.Error with CodeTargetMapError.
func TestMapper_SubmitRequest_TargetMapErrorPropagates(t *testing.T) {
	m, minor := newActiveMapper(t)
	m.disp.Submit = func(req *target.Request) {}

	rejecting := &target.Type{
		Name: "reject",
		Map: func(req *target.Request, rw target.Direction, private any) (target.MapResult, error) {
			return 0, errBoom
		},
	}
	dev, err := m.FindByMinor(minor)
	require.NoError(t, err)
	m.Suspend(dev)
	require.NoError(t, m.Deactivate(dev, nil))
	require.NoError(t, m.Activate(dev, []uint64{999}, []*target.Target{target.New(rejecting, nil)}, 512))

	_, err = m.SubmitRequest(minor, &target.Request{RSector: 1}, target.Read)
	require.Error(t, err)
	require.True(t, IsCode(err, CodeTargetMapError))
}

func TestMapper_Metrics_TracksForwardedRequests(t *testing.T) {
	m, minor := newActiveMapper(t)
	m.disp.Submit = func(req *target.Request) {}

	_, err := m.SubmitRequest(minor, &target.Request{RSector: 1}, target.Read)
	require.NoError(t, err)

	snap := m.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.Forwarded)
}
