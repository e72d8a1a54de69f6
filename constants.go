package dm

import "github.com/behrlich/go-dm/internal/constants"

// Re-export tunables for the public API.
const (
	MaxDevices          = constants.MaxDevices
	DefaultHookPoolSize = constants.DefaultHookPoolSize
	DefaultReadAhead    = constants.DefaultReadAhead
	GeometryHeads       = constants.GeometryHeads
	GeometrySectors     = constants.GeometrySectors
	SectorSize          = constants.SectorSize
	DMBlockMajor        = constants.DMBlockMajor
)
