package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-dm/internal/interfaces"
	"github.com/behrlich/go-dm/table"
)

func newLinearTable(t *testing.T) *table.Table {
	t.Helper()
	tgt := &interfaces.Target{Type: &interfaces.TargetType{Name: "linear"}}
	tbl, err := table.New([]uint64{999}, []*interfaces.Target{tgt}, 512)
	require.NoError(t, err)
	return tbl
}

func TestNew_StartsCreated(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	require.Equal(t, Created, d.State())
	require.Equal(t, "CREATED", d.State().String())
	require.Equal(t, uint32(0), d.UseCount())
	require.Nil(t, d.Table())
	require.Equal(t, "/dm/dm-0", d.DevfsEntry())
}

func TestActivate_RejectsEmptyTable(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")

	err := d.Activate(nil)
	require.ErrorIs(t, err, ErrEmptyTable)

	empty, err := table.New(nil, nil, 512)
	require.Error(t, err)
	require.Nil(t, empty)
	require.Equal(t, Created, d.State())
}

func TestActivate_SuspendActivateCycle(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	tbl := newLinearTable(t)

	require.NoError(t, d.Activate(tbl))
	require.Equal(t, Active, d.State())
	require.Same(t, tbl, d.Table())

	drain := d.BeginSuspend()
	require.Equal(t, Suspended, d.State())
	require.Same(t, tbl, drain)

	drain.Wait() // no pending I/O, returns immediately
	d.FinishSuspend()
	require.Nil(t, d.Table())

	tbl2 := newLinearTable(t)
	require.NoError(t, d.Activate(tbl2))
	require.Equal(t, Active, d.State())
	require.Same(t, tbl2, d.Table())
}

func TestActivate_RejectsRebindWhileActive(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	tbl := newLinearTable(t)
	require.NoError(t, d.Activate(tbl))

	other := newLinearTable(t)
	err := d.Activate(other)
	require.ErrorIs(t, err, ErrBadActivateState, "activate must refuse to rebind an ACTIVE device without an intervening suspend")
	require.Same(t, tbl, d.Table(), "a rejected activate must not swap the bound table")
	require.Equal(t, Active, d.State())
}

func TestDeactivate_ClearsTableAndDemotes(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	tbl := newLinearTable(t)
	require.NoError(t, d.Activate(tbl))

	got := d.BeginDeactivate()
	require.Same(t, tbl, got)
	require.Equal(t, Active, d.State(), "BeginDeactivate must not change state")

	d.FinishDeactivate()
	require.Equal(t, Created, d.State())
	require.Nil(t, d.Table())
}

func TestOpenClose_RefcountDoesNotUnderflow(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	require.Equal(t, uint32(0), d.UseCount())

	d.Close()
	require.Equal(t, uint32(0), d.UseCount(), "close on a zero refcount must not underflow")

	d.Open()
	d.Open()
	require.Equal(t, uint32(2), d.UseCount())

	d.Close()
	require.Equal(t, uint32(1), d.UseCount())
}

func TestDeferred_PushDetachDelegates(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	require.Equal(t, 0, d.DeferredLen())

	req := &interfaces.Request{RSector: 42}
	d.PushDeferred(req, interfaces.Write)
	require.Equal(t, 1, d.DeferredLen())

	head := d.DetachDeferred()
	require.NotNil(t, head)
	require.Equal(t, uint64(42), head.Req.RSector)
	require.Equal(t, 0, d.DeferredLen())
}

func TestReadAhead_DefaultsAndSettable(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	require.Equal(t, uint32(64), d.ReadAhead())

	d.SetReadAhead(128)
	require.Equal(t, uint32(128), d.ReadAhead())
}

func TestMarkRemoved(t *testing.T) {
	d := New(ID{Minor: 0}, "dm-0")
	d.MarkRemoved()
	require.Equal(t, Removed, d.State())
	require.Equal(t, "REMOVED", d.State().String())
}
