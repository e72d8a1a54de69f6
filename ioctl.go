package dm

import (
	"github.com/behrlich/go-dm/device"
	"github.com/behrlich/go-dm/internal/constants"
)

// IoctlCmd enumerates the fixed administrative ioctl set (spec §6 "ioctl").
type IoctlCmd int

const (
	IoctlGetGeometry IoctlCmd = iota
	IoctlGetSize
	IoctlGetReadAhead
	IoctlSetReadAhead
	IoctlFlushBuffers
	IoctlRereadPartitions
	IoctlBmap
)

// Geometry is the synthetic disk geometry reported for every device (spec
// §6 "synthetic heads=64, sectors=32, cylinders computed from volume
// size").
type Geometry struct {
	Heads     uint8
	Sectors   uint8
	Cylinders uint32
}

// IoctlArg carries the per-command argument and result. Only the fields
// relevant to cmd are read or written.
type IoctlArg struct {
	// In: required for IoctlSetReadAhead, IoctlBmap, IoctlFlushBuffers.
	ReadAhead    uint32
	LogicalBlock uint64
	Privileged   bool

	// Out: populated for IoctlGetGeometry, IoctlGetSize, IoctlGetReadAhead,
	// IoctlBmap.
	Geometry       Geometry
	SizeBytes      uint64
	PhysicalRDev   uint64
	PhysicalSector uint64
}

// Ioctl dispatches one of the fixed administrative commands against minor
// (spec §6 "ioctl(minor, cmd, arg)"). Unknown commands return
// invalid-argument.
func (m *Mapper) Ioctl(minor uint32, cmd IoctlCmd, arg *IoctlArg) error {
	switch cmd {
	case IoctlGetGeometry:
		return m.ioctlGetGeometry(minor, arg)
	case IoctlGetSize:
		return m.ioctlGetSize(minor, arg)
	case IoctlGetReadAhead:
		return m.ioctlGetReadAhead(minor, arg)
	case IoctlSetReadAhead:
		return m.ioctlSetReadAhead(minor, arg)
	case IoctlFlushBuffers:
		return m.ioctlFlushBuffers(minor, arg)
	case IoctlRereadPartitions:
		return NewError("ioctl", minor, CodeInvalidArgument, "partition reread is unsupported")
	case IoctlBmap:
		return m.ioctlBmap(minor, arg)
	default:
		return NewError("ioctl", minor, CodeInvalidArgument, "unknown ioctl command")
	}
}

func (m *Mapper) activeDeviceTable(minor uint32) (*device.Device, error) {
	dev, err := m.reg.FindByMinor(minor)
	if err != nil {
		return nil, NewError("ioctl", minor, CodeNoSuchDevice, "no such device")
	}
	if dev.State() != device.Active {
		return nil, NewError("ioctl", minor, CodeNotActive, "device not active")
	}
	return dev, nil
}

func (m *Mapper) ioctlGetGeometry(minor uint32, arg *IoctlArg) error {
	dev, err := m.activeDeviceTable(minor)
	if err != nil {
		return err
	}
	sectorsPerCyl := uint64(constants.GeometryHeads) * uint64(constants.GeometrySectors)
	cyl := (dev.Table().LastSector() + 1) / sectorsPerCyl
	arg.Geometry = Geometry{
		Heads:     constants.GeometryHeads,
		Sectors:   constants.GeometrySectors,
		Cylinders: uint32(cyl),
	}
	return nil
}

func (m *Mapper) ioctlGetSize(minor uint32, arg *IoctlArg) error {
	dev, err := m.activeDeviceTable(minor)
	if err != nil {
		return err
	}
	arg.SizeBytes = (dev.Table().LastSector() + 1) * uint64(dev.Table().HardSectSize())
	return nil
}

func (m *Mapper) ioctlGetReadAhead(minor uint32, arg *IoctlArg) error {
	dev, err := m.reg.FindByMinor(minor)
	if err != nil {
		return NewError("ioctl", minor, CodeNoSuchDevice, "no such device")
	}
	arg.ReadAhead = dev.ReadAhead()
	return nil
}

func (m *Mapper) ioctlSetReadAhead(minor uint32, arg *IoctlArg) error {
	dev, err := m.reg.FindByMinor(minor)
	if err != nil {
		return NewError("ioctl", minor, CodeNoSuchDevice, "no such device")
	}
	dev.SetReadAhead(arg.ReadAhead)
	return nil
}

func (m *Mapper) ioctlFlushBuffers(minor uint32, arg *IoctlArg) error {
	if !arg.Privileged {
		return ErrPermissionDenied
	}
	if _, err := m.activeDeviceTable(minor); err != nil {
		return err
	}
	return nil
}

func (m *Mapper) ioctlBmap(minor uint32, arg *IoctlArg) error {
	rdev, sector, err := m.Bmap(minor, arg.LogicalBlock)
	if err != nil {
		return err
	}
	arg.PhysicalRDev = rdev
	arg.PhysicalSector = sector
	return nil
}
