package dm

import (
	"github.com/behrlich/go-dm/device"
	"github.com/behrlich/go-dm/target"
)

// Bmap resolves a logical block number on minor to the underlying device id
// and physical sector (spec §4.8 "User bmap"). It drives the same
// lookup+map path the Dispatcher uses, but only for targets advertising
// SupportsBmap, never forwards the synthesized request, and frees
// immediately any hook the target's Map installs.
func (m *Mapper) Bmap(minor uint32, logicalBlock uint64) (rdev uint64, sector uint64, err error) {
	m.reg.RLock()
	defer m.reg.RUnlock()

	dev, lookupErr := m.reg.LookupLocked(minor)
	if lookupErr != nil {
		return 0, 0, NewError("bmap", minor, CodeNoSuchDevice, "no such device")
	}
	if dev.State() != device.Active {
		return 0, 0, NewError("bmap", minor, CodeNotActive, "device not active")
	}

	tbl := dev.Table()
	idx, lookupErr := tbl.Lookup(logicalBlock)
	if lookupErr != nil {
		return 0, 0, WrapError("bmap", minor, lookupErr)
	}

	tgt := tbl.Target(idx)
	if tgt.Type.Flags&target.SupportsBmap == 0 {
		return 0, 0, NewError("bmap", minor, CodeInvalidArgument, "target does not support bmap")
	}

	req := &target.Request{RSector: logicalBlock}
	tbl.IncPending()
	result, mapErr := tgt.Type.Map(req, target.Read, tgt.Private)
	if mapErr != nil {
		tbl.DecPending()
		return 0, 0, WrapError("bmap", minor, mapErr)
	}

	if result == target.MapForwarded {
		if hook, ok := m.pool.Alloc(); ok {
			m.pool.Free(hook)
		}
	}
	tbl.DecPending()

	return req.RDev, req.RSector, nil
}
