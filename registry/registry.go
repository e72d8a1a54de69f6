// Package registry implements the device registry (spec §3 "Registry",
// §4.7): a fixed-capacity array of device slots protected by a single
// process-wide reader/writer lock. Readers (dispatch, lookup, bmap)
// outnumber writers (create, remove, activate, suspend, deactivate,
// enqueue-deferred) overwhelmingly on the hot path, which is why a
// sync.RWMutex — not per-slot locks — is the right fit (spec §4.7).
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/behrlich/go-dm/deferred"
	"github.com/behrlich/go-dm/device"
	"github.com/behrlich/go-dm/internal/constants"
	"github.com/behrlich/go-dm/internal/interfaces"
	"github.com/behrlich/go-dm/table"
)

// Errors surfaced as the spec §7 taxonomy.
var (
	ErrNoSuchDevice    = errors.New("registry: no such device")
	ErrSlotInUse       = errors.New("registry: minor already in use")
	ErrRegistryFull    = errors.New("registry: no free minor")
	ErrBusy            = errors.New("registry: device busy")
	ErrInvalidArgument = errors.New("registry: invalid argument")
)

// HotplugFunc spawns the external hotplug helper on create/remove (spec §6
// "Environment"). It is a no-op by default.
type HotplugFunc func(action, name string)

// Registry is the fixed-capacity device table.
type Registry struct {
	mu      sync.RWMutex
	devs    [constants.MaxDevices]*device.Device
	logger  interfaces.Logger
	hotplug HotplugFunc
	obs     interfaces.Observer
}

// New constructs an empty registry.
func New(logger interfaces.Logger, hotplug HotplugFunc) *Registry {
	return &Registry{logger: logger, hotplug: hotplug}
}

// SetObserver wires an observer for suspend-wait latency (spec §5). Safe to
// call before the registry is shared across goroutines.
func (r *Registry) SetObserver(obs interfaces.Observer) {
	r.obs = obs
}

// --- Lock discipline exposed to the dispatcher (spec §4.4, §9) ---
//
// The dispatcher resolves the spec's "known race" (§9) by never dropping
// the lock between reading a device's state and acting on it: the common
// ACTIVE path does lookup+map while still holding the reader lock it used
// to observe ACTIVE; the rare non-ACTIVE path re-checks state and, if the
// device has since become ACTIVE, performs lookup+map inline under the
// writer lock it already holds instead of returning a retry signal.

// RLock acquires the reader lock.
func (r *Registry) RLock() { r.mu.RLock() }

// RUnlock releases the reader lock.
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// Lock acquires the writer lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the writer lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// LookupLocked returns the device bound to minor. Caller must hold the
// reader or writer lock.
func (r *Registry) LookupLocked(minor uint32) (*device.Device, error) {
	if int(minor) >= len(r.devs) {
		return nil, ErrNoSuchDevice
	}
	d := r.devs[minor]
	if d == nil {
		return nil, ErrNoSuchDevice
	}
	return d, nil
}

// FindByMinor resolves a minor to its device under the reader lock (spec
// §6 "Administrative operations").
func (r *Registry) FindByMinor(minor uint32) (*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LookupLocked(minor)
}

// Create allocates a slot and a device in the CREATED state (spec §4.6 row
// "create"). minor == -1 takes the lowest free index; minor >= 0 takes that
// exact slot if free (spec §4.7 "Free-slot policy").
func (r *Registry) Create(name string, minor int32) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx int
	if minor < 0 {
		idx = -1
		for i, d := range r.devs {
			if d == nil {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrRegistryFull
		}
	} else {
		if int(minor) >= len(r.devs) {
			return nil, ErrInvalidArgument
		}
		if r.devs[minor] != nil {
			return nil, ErrSlotInUse
		}
		idx = int(minor)
	}

	d := device.New(device.ID{Major: constants.DMBlockMajor, Minor: uint32(idx)}, name)
	r.devs[idx] = d

	if r.hotplug != nil {
		r.hotplug("add", name)
	}
	if r.logger != nil {
		r.logger.Infof("device created name=%s minor=%d", name, idx)
	}
	return d, nil
}

// Remove frees a device's slot (spec §4.6 row "remove"). Requires
// use_count==0 and the device not ACTIVE (spec §7 "Busy").
func (r *Registry) Remove(d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.devs[d.ID.Minor] != d {
		return ErrNoSuchDevice
	}
	if d.UseCount() > 0 || d.State() == device.Active {
		return ErrBusy
	}

	r.devs[d.ID.Minor] = nil
	d.MarkRemoved()

	if r.hotplug != nil {
		r.hotplug("remove", d.Name)
	}
	if r.logger != nil {
		r.logger.Infof("device removed name=%s minor=%d", d.Name, d.ID.Minor)
	}
	return nil
}

// Activate binds t to d and transitions it to ACTIVE, then flushes any
// deferred requests through replay (spec §4.6 row "activate"). replay
// receives the detached deferred list's head (nil if none) and is expected
// to re-submit each request to the dispatcher; it runs outside the writer
// lock (spec §4.3, §4.6).
func (r *Registry) Activate(d *device.Device, t *table.Table, replay func(head *deferred.Item)) error {
	r.mu.Lock()
	if err := d.Activate(t); err != nil {
		r.mu.Unlock()
		return ErrInvalidArgument
	}
	head := d.DetachDeferred()
	r.mu.Unlock()

	if replay != nil {
		replay(head)
	}
	if r.logger != nil {
		r.logger.Infof("device activated name=%s minor=%d targets=%d", d.Name, d.ID.Minor, t.NumTargets())
	}
	return nil
}

// Suspend clears ACTIVE, waits (without holding the lock) for the bound
// table's pending count to drain to zero, then re-acquires the lock and
// clears the table (spec §4.6 row "suspend", §9 "must re-acquire the
// writer lock between wakeups to re-read pending without torn
// observation").
func (r *Registry) Suspend(d *device.Device) {
	r.mu.Lock()
	t := d.BeginSuspend()
	r.mu.Unlock()

	if t != nil {
		start := time.Now()
		t.Wait()
		if r.obs != nil {
			r.obs.ObserveSuspendWait(uint64(time.Since(start)))
		}
	}

	r.mu.Lock()
	d.FinishSuspend()
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Infof("device suspended name=%s minor=%d", d.Name, d.ID.Minor)
	}
}

// Deactivate requires use_count==0, syncs the underlying device outside the
// writer lock, then re-checks use_count before clearing the table and
// demoting to CREATED (spec §4.6 row "deactivate", §9 "fsync during
// deactivate"). sync receives the bound table, which is nil once the device
// has been suspended.
func (r *Registry) Deactivate(d *device.Device, sync func(t *table.Table) error) error {
	r.mu.Lock()
	if d.UseCount() > 0 {
		r.mu.Unlock()
		return ErrBusy
	}
	t := d.BeginDeactivate()
	r.mu.Unlock()

	if sync != nil {
		if err := sync(t); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d.UseCount() > 0 {
		return ErrBusy
	}
	d.FinishDeactivate()
	if r.logger != nil {
		r.logger.Infof("device deactivated name=%s minor=%d", d.Name, d.ID.Minor)
	}
	return nil
}

// Open increments a device's open-handle refcount; fails if the device is
// not ACTIVE (spec §6 "open").
func (r *Registry) Open(minor uint32) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.LookupLocked(minor)
	if err != nil {
		return nil, err
	}
	if d.State() != device.Active {
		return nil, ErrNoSuchDevice
	}
	d.Open()
	return d, nil
}

// Close decrements a device's open-handle refcount (spec §6 "close").
func (r *Registry) Close(minor uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.LookupLocked(minor)
	if err != nil {
		return err
	}
	d.Close()
	return nil
}
