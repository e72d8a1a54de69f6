// Package dispatch implements the request dispatcher (spec §3 "Dispatcher",
// §4.4) and the completion trampoline (§4.5). The dispatcher resolves the
// spec's "known race" (§9) — the gap between checking a device's state and
// acting on it — by never dropping the registry lock in between: the
// common ACTIVE path maps the request while still holding the reader lock
// it used to observe ACTIVE, and the rare non-ACTIVE path re-checks state
// and, if the device became ACTIVE in the meantime, maps the request
// inline under the writer lock it already holds rather than returning a
// retry signal to the caller.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/behrlich/go-dm/deferred"
	"github.com/behrlich/go-dm/device"
	"github.com/behrlich/go-dm/internal/interfaces"
	"github.com/behrlich/go-dm/iohook"
	"github.com/behrlich/go-dm/registry"
	"github.com/behrlich/go-dm/table"
)

// ErrPoolExhausted is returned when a FORWARDED request cannot obtain a
// hook because the pool is at capacity (spec §4.2, §7 "AllocFailure").
var ErrPoolExhausted = errors.New("dispatch: hook pool exhausted")

// ErrTargetMap wraps an error returned by a target's Map function (spec §7
// "TargetMapError").
var ErrTargetMap = errors.New("dispatch: target map failed")

// Outcome reports what Dispatch did with a request.
type Outcome int

const (
	// OutcomeCompletedSync means the target satisfied the request without
	// forwarding it; the caller's own completion handling (if any) already
	// ran synchronously inside Map.
	OutcomeCompletedSync Outcome = iota
	// OutcomeForwarded means the request was rewritten and handed to the
	// lower block layer via Submit; its completion arrives later through
	// the trampoline installed on req.EndIO.
	OutcomeForwarded
	// OutcomeDeferred means the device was not ACTIVE; the request was
	// queued and will be replayed on the next activate() (spec §4.3).
	OutcomeDeferred
)

// Submitter hands a FORWARDED request to the lower block layer. Submission
// to a real lower layer is out of scope (spec Non-goals); production
// wiring supplies a transport, tests supply a stub that completes
// synchronously.
type Submitter func(req *interfaces.Request)

// Dispatcher routes requests through the registry and mapping tables.
type Dispatcher struct {
	Reg    *registry.Registry
	Pool   *iohook.Pool
	Obs    interfaces.Observer
	Logger interfaces.Logger
	Submit Submitter
}

// New constructs a Dispatcher over the given registry and hook pool.
func New(reg *registry.Registry, pool *iohook.Pool) *Dispatcher {
	return &Dispatcher{Reg: reg, Pool: pool}
}

// Dispatch routes req through the device bound to minor (spec §4.4).
func (d *Dispatcher) Dispatch(minor uint32, req *interfaces.Request, rw interfaces.Direction) (Outcome, error) {
	d.Reg.RLock()
	dev, err := d.Reg.LookupLocked(minor)
	if err != nil {
		d.Reg.RUnlock()
		return 0, err
	}
	if dev.State() == device.Active {
		outcome, err := d.mapAndForward(dev, dev.Table(), req, rw)
		d.Reg.RUnlock()
		return outcome, err
	}
	d.Reg.RUnlock()

	d.Reg.Lock()
	defer d.Reg.Unlock()
	if dev.State() == device.Active {
		return d.mapAndForward(dev, dev.Table(), req, rw)
	}
	dev.PushDeferred(req, rw)
	if d.Obs != nil {
		d.Obs.ObserveDispatch("deferred", rw)
		d.Obs.ObserveQueueDepth(dev.DeferredLen())
	}
	if d.Logger != nil {
		d.Logger.Debugf("dispatch deferred minor=%d sector=%d", minor, req.RSector)
	}
	return OutcomeDeferred, nil
}

// mapAndForward performs the §4.4 steps 3-6 lookup+map against tbl. Caller
// holds either the reader or writer lock.
func (d *Dispatcher) mapAndForward(dev *device.Device, tbl *table.Table, req *interfaces.Request, rw interfaces.Direction) (Outcome, error) {
	idx, err := tbl.Lookup(req.RSector)
	if err != nil {
		if d.Obs != nil {
			d.Obs.ObserveDispatch("error", rw)
		}
		return 0, err
	}
	target := tbl.Target(idx)
	tbl.IncPending()

	result, mapErr := target.Type.Map(req, rw, target.Private)
	if mapErr != nil {
		tbl.DecPending()
		if d.Obs != nil {
			d.Obs.ObserveDispatch("error", rw)
		}
		return 0, fmt.Errorf("%w: %v", ErrTargetMap, mapErr)
	}

	switch result {
	case interfaces.MapCompletedSync:
		tbl.DecPending()
		if d.Obs != nil {
			d.Obs.ObserveDispatch("completed_sync", rw)
		}
		return OutcomeCompletedSync, nil

	case interfaces.MapForwarded:
		hook, ok := d.Pool.Alloc()
		if !ok {
			tbl.DecPending()
			if d.Obs != nil {
				d.Obs.ObserveDispatch("error", rw)
			}
			return 0, ErrPoolExhausted
		}
		hook.Table = tbl
		hook.Target = target
		hook.RW = rw
		hook.SavedEndIO = req.EndIO
		hook.SavedScratch = req.Scratch()

		req.EndIO = d.completionTrampoline(hook)
		req.SetScratch(hook)

		if d.Obs != nil {
			d.Obs.ObserveDispatch("forwarded", rw)
		}
		if d.Submit != nil {
			d.Submit(req)
		}
		return OutcomeForwarded, nil

	default:
		tbl.DecPending()
		return 0, fmt.Errorf("%w: unknown map result %d", ErrTargetMap, result)
	}
}

// completionTrampoline wraps a forwarded request's completion (spec §4.5):
// it gives the target a chance to handle a failed completion itself. If the
// target takes ownership (handled==true), it will call back again later, so
// the hook stays allocated, pending stays incremented, and EndIO/scratch
// stay untouched — this call returns immediately. Otherwise it restores the
// caller's original EndIO/scratch, decrements the table's pending count,
// and frees the hook before invoking the restored callback.
func (d *Dispatcher) completionTrampoline(hook *iohook.Hook) func(req *interfaces.Request, uptodate bool) {
	return func(req *interfaces.Request, uptodate bool) {
		if !uptodate && hook.Target.Type.Err != nil {
			if hook.Target.Type.Err(req, hook.RW, hook.Target.Private) {
				if d.Obs != nil {
					d.Obs.ObserveDispatch("completed_error", 0)
				}
				return
			}
		}

		savedEndIO := hook.SavedEndIO
		tbl := hook.Table

		req.EndIO = hook.SavedEndIO
		req.SetScratch(hook.SavedScratch)
		d.Pool.Free(hook)
		tbl.DecPending()

		if d.Obs != nil {
			outcome := "completed"
			if !uptodate {
				outcome = "completed_error"
			}
			d.Obs.ObserveDispatch(outcome, 0)
		}

		if savedEndIO != nil {
			savedEndIO(req, uptodate)
		}
	}
}

// Replay re-submits a detached deferred chain through Dispatch, in the
// order the chain is walked (spec §4.3 "on activate(), the deferred list
// is replayed"). Errors from individual replays are collected and
// returned joined; a failure on one item does not stop the others.
func (d *Dispatcher) Replay(minor uint32, head *deferred.Item) error {
	var errs []error
	for item := head; item != nil; item = item.Next() {
		if _, err := d.Dispatch(minor, item.Req, item.RW); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
