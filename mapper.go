package dm

import (
	"github.com/behrlich/go-dm/deferred"
	"github.com/behrlich/go-dm/device"
	"github.com/behrlich/go-dm/dispatch"
	"github.com/behrlich/go-dm/internal/constants"
	"github.com/behrlich/go-dm/internal/logging"
	"github.com/behrlich/go-dm/iohook"
	"github.com/behrlich/go-dm/registry"
	"github.com/behrlich/go-dm/table"
	"github.com/behrlich/go-dm/target"
)

// Config configures a Mapper (spec §6 "Constants", §3 ambient stack).
type Config struct {
	// HookPoolSize bounds in-flight FORWARDED requests (spec §4.2).
	HookPoolSize int

	// HotplugPath, if set, is spawned on create/remove (spec §6
	// "Environment"). Empty means no-op.
	HotplugPath string

	// Logger receives lifecycle and dispatch-error messages. Defaults to
	// logging.Default() if nil.
	Logger *logging.Logger

	// Submit hands FORWARDED requests to the lower block layer. Out of
	// scope to implement (spec Non-goals); callers wire their own
	// transport. Nil means forwarded requests are never completed.
	Submit dispatch.Submitter
}

// Mapper is the assembled block-device mapper: registry + dispatcher +
// hook pool + metrics, wired the way spec §6's administrative and
// upper-layer operations expect to be called.
type Mapper struct {
	reg     *registry.Registry
	pool    *iohook.Pool
	disp    *dispatch.Dispatcher
	logger  *logging.Logger
	metrics *Metrics
}

// New assembles a Mapper from cfg.
func New(cfg Config) *Mapper {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	poolSize := cfg.HookPoolSize
	if poolSize <= 0 {
		poolSize = constants.DefaultHookPoolSize
	}

	metrics := NewMetrics()
	obs := NewMetricsObserver(metrics)

	reg := registry.New(logger, NewHotplug(cfg.HotplugPath, logger))
	reg.SetObserver(obs)

	pool := iohook.NewPool(poolSize)
	disp := dispatch.New(reg, pool)
	disp.Obs = obs
	disp.Logger = logger
	disp.Submit = cfg.Submit

	return &Mapper{reg: reg, pool: pool, disp: disp, logger: logger, metrics: metrics}
}

// Metrics returns the mapper's running metrics.
func (m *Mapper) Metrics() *Metrics { return m.metrics }

// WireLoopbackSubmit installs a Submitter that completes every FORWARDED
// request synchronously with uptodate=true. Submission to a real lower
// block layer is out of scope (spec Non-goals); this is for demos and
// tests that want a working dispatch path without a transport.
func (m *Mapper) WireLoopbackSubmit() {
	m.disp.Submit = func(req *target.Request) {
		if req.EndIO != nil {
			req.EndIO(req, true)
		}
	}
}

// CreateDevice allocates a device in the CREATED state (spec §6
// "Administrative operations"). minor == -1 takes the lowest free slot.
func (m *Mapper) CreateDevice(name string, minor int32) (*device.Device, error) {
	dev, err := m.reg.Create(name, minor)
	if err != nil {
		return nil, WrapError("create", uint32(minor), err)
	}
	return dev, nil
}

// Activate builds a table from highs/targets and binds it to dev,
// transitioning CREATED/SUSPENDED -> ACTIVE and replaying any deferred
// requests (spec §4.6 row "activate(T)").
func (m *Mapper) Activate(dev *device.Device, highs []uint64, targets []*target.Target, hardSectSize uint32) error {
	tbl, err := table.New(highs, targets, hardSectSize)
	if err != nil {
		return NewError("activate", dev.ID.Minor, CodeInvalidArgument, err.Error())
	}

	minor := dev.ID.Minor
	replay := func(head *deferred.Item) {
		if err := m.disp.Replay(minor, head); err != nil && m.logger != nil {
			m.logger.WithDevice(minor).Warnf("deferred replay had errors: %v", err)
		}
	}

	if err := m.reg.Activate(dev, tbl, replay); err != nil {
		return WrapError("activate", minor, err)
	}
	return nil
}

// Suspend clears ACTIVE and blocks until all in-flight I/O against the
// bound table drains (spec §4.6 row "suspend()").
func (m *Mapper) Suspend(dev *device.Device) {
	m.reg.Suspend(dev)
}

// Deactivate requires use_count==0, syncs the underlying device, and
// demotes ACTIVE back to CREATED (spec §4.6 row "deactivate()").
func (m *Mapper) Deactivate(dev *device.Device, sync func(t *table.Table) error) error {
	if err := m.reg.Deactivate(dev, sync); err != nil {
		return WrapError("deactivate", dev.ID.Minor, err)
	}
	return nil
}

// Remove frees dev's slot (spec §4.6 row "remove()").
func (m *Mapper) Remove(dev *device.Device) error {
	if err := m.reg.Remove(dev); err != nil {
		return WrapError("remove", dev.ID.Minor, err)
	}
	return nil
}

// FindByMinor resolves a minor to its device (spec §6 "Administrative
// operations").
func (m *Mapper) FindByMinor(minor uint32) (*device.Device, error) {
	dev, err := m.reg.FindByMinor(minor)
	if err != nil {
		return nil, WrapError("find_by_minor", minor, err)
	}
	return dev, nil
}

// Open increments a device's open-handle refcount (spec §6 "open").
func (m *Mapper) Open(minor uint32) error {
	_, err := m.reg.Open(minor)
	if err != nil {
		return WrapError("open", minor, err)
	}
	return nil
}

// Close decrements a device's open-handle refcount (spec §6 "close").
func (m *Mapper) Close(minor uint32) error {
	if err := m.reg.Close(minor); err != nil {
		return WrapError("close", minor, err)
	}
	return nil
}

// SubmitRequest is the Dispatcher entry point (spec §6 "submit_request(req)").
func (m *Mapper) SubmitRequest(minor uint32, req *target.Request, rw target.Direction) (dispatch.Outcome, error) {
	outcome, err := m.disp.Dispatch(minor, req, rw)
	if err != nil {
		return outcome, WrapError("dispatch", minor, err)
	}
	return outcome, nil
}
