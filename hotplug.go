package dm

import (
	"os"
	"os/exec"

	"github.com/behrlich/go-dm/internal/logging"
	"github.com/behrlich/go-dm/registry"
)

// NewHotplug returns a registry.HotplugFunc that spawns helperPath with
// ACTION=add|remove and DMNAME=<name> in its environment on every
// create/remove (spec §6 "Environment"). A blank helperPath yields a no-op,
// matching "otherwise no-op".
func NewHotplug(helperPath string, logger *logging.Logger) registry.HotplugFunc {
	if helperPath == "" {
		return nil
	}
	return func(action, name string) {
		cmd := exec.Command(helperPath)
		cmd.Env = append(os.Environ(), "ACTION="+action, "DMNAME="+name)
		if err := cmd.Start(); err != nil {
			if logger != nil {
				logger.Errorf("hotplug helper failed to start: %v", err)
			}
			return
		}
		go func() {
			if err := cmd.Wait(); err != nil && logger != nil {
				logger.Warnf("hotplug helper exited with error: %v", err)
			}
		}()
	}
}
