// Package device implements the mapped device state machine (spec §3
// "MappedDevice", §4.6). A Device is a plain data structure; all of its
// mutating methods assume the caller already holds the registry's writer
// lock (spec §4.7 — "a single process-wide reader/writer lock" covers both
// the registry array and every device's use_count/state/map/deferred
// fields). The one exception is the drain wait performed during Suspend,
// which callers must run with the lock released (spec §4.6, §9).
package device

import (
	"errors"

	"github.com/behrlich/go-dm/deferred"
	"github.com/behrlich/go-dm/internal/constants"
	"github.com/behrlich/go-dm/internal/interfaces"
	"github.com/behrlich/go-dm/table"
)

// State is a tagged variant of the device lifecycle. Spec §9 notes the
// original source encodes ACTIVE as a single bit in a bitset; this
// reimplementation prefers a tagged state field to remove ambiguity about
// the intermediate suspend state.
type State int

const (
	Created State = iota
	Active
	Suspended
	Removed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Active:
		return "ACTIVE"
	case Suspended:
		return "SUSPENDED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ErrEmptyTable is returned by Activate when the table has no targets
// (spec §4.6 guard on activate).
var ErrEmptyTable = errors.New("device: activate requires a table with at least one target")

// ErrBadActivateState is returned when activate(T) is attempted from a
// state other than CREATED or SUSPENDED (spec §4.6: rebinding a table
// straight from ACTIVE has no quiesce boundary and would swap the table
// out from under in-flight dispatches; suspend() first).
var ErrBadActivateState = errors.New("device: activate requires state CREATED or SUSPENDED")

// ID identifies a device by its (major, minor) pair (spec §3).
type ID struct {
	Major uint32
	Minor uint32
}

// Device is the per-minor state machine: owner of the current mapping
// table, the deferred-I/O queue, open-handle refcount, and devfs handle.
type Device struct {
	ID    ID
	Name  string
	state State

	useCount  uint32
	tbl       *table.Table
	deferred  deferred.Queue
	readAhead uint32

	// devfsEntry stands in for the external devfs_entry handle (spec §3);
	// the real virtual-filesystem registration is out of scope.
	devfsEntry string
}

// New constructs a device in the CREATED state with the default read-ahead
// (spec §6 "Constants").
func New(id ID, name string) *Device {
	return &Device{ID: id, Name: name, state: Created, devfsEntry: "/dm/" + name, readAhead: constants.DefaultReadAhead}
}

// State returns the device's current lifecycle state.
func (d *Device) State() State { return d.state }

// UseCount returns the number of open upper-layer handles.
func (d *Device) UseCount() uint32 { return d.useCount }

// Table returns the currently bound mapping table, or nil if the device has
// none (CREATED, or SUSPENDED after drain completes).
func (d *Device) Table() *table.Table { return d.tbl }

// DevfsEntry returns the stub devfs handle (spec §3 "External devfs_entry
// handle"; real registration is an out-of-scope collaborator).
func (d *Device) DevfsEntry() string { return d.devfsEntry }

// ReadAhead returns the device's current read-ahead setting, in blocks
// (spec §6 "ioctl ... read-ahead get/set").
func (d *Device) ReadAhead() uint32 { return d.readAhead }

// SetReadAhead updates the device's read-ahead setting.
func (d *Device) SetReadAhead(blocks uint32) { d.readAhead = blocks }

// Open increments the use count (upper-layer open handle).
func (d *Device) Open() { d.useCount++ }

// Close decrements the use count.
func (d *Device) Close() {
	if d.useCount > 0 {
		d.useCount--
	}
}

// Activate binds t and transitions CREATED/SUSPENDED -> ACTIVE (spec §4.6
// row "activate(T)"). It does not flush deferred requests: the caller
// detaches them with DetachDeferred and replays them outside the writer
// lock.
func (d *Device) Activate(t *table.Table) error {
	if d.state != Created && d.state != Suspended {
		return ErrBadActivateState
	}
	if t == nil || t.NumTargets() == 0 {
		return ErrEmptyTable
	}
	d.tbl = t
	d.state = Active
	return nil
}

// BeginSuspend clears ACTIVE and returns the table to drain. The caller
// must release the writer lock and call t.Wait() before calling
// FinishSuspend (spec §4.6 row "suspend()").
func (d *Device) BeginSuspend() *table.Table {
	d.state = Suspended
	return d.tbl
}

// FinishSuspend clears the bound table once its pending count has reached
// zero. Called with the writer lock re-acquired, after Wait returns (spec
// §4.6, §9: "re-acquire lock; clear map").
func (d *Device) FinishSuspend() {
	d.tbl = nil
}

// BeginDeactivate is the first half of deactivate(): it does not change
// state (the fsync happens outside the writer lock — spec §4.6 row
// "deactivate()", §9). Returns the table so the caller can sync the
// underlying device against a consistent snapshot.
func (d *Device) BeginDeactivate() *table.Table {
	return d.tbl
}

// FinishDeactivate clears the table and demotes ACTIVE back to CREATED,
// after the caller has re-verified UseCount()==0 under a freshly
// re-acquired writer lock (spec §9 "fsync during deactivate").
func (d *Device) FinishDeactivate() {
	d.tbl = nil
	d.state = Created
}

// PushDeferred enqueues a request on this device's deferred list.
func (d *Device) PushDeferred(req *interfaces.Request, rw interfaces.Direction) {
	d.deferred.Push(req, rw)
}

// DetachDeferred atomically hands back the entire deferred list, leaving it
// empty, for replay outside the writer lock (spec §4.3).
func (d *Device) DetachDeferred() *deferred.Item {
	return d.deferred.Detach()
}

// DeferredLen reports the number of currently deferred requests.
func (d *Device) DeferredLen() int { return d.deferred.Len() }

// MarkRemoved transitions the device out of the registry's slot.
func (d *Device) MarkRemoved() { d.state = Removed }
