package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrModuleNotFound) {
//	    // first time this module has been seen
//	}
var (
	// ErrModuleNotFound is returned when a serial number is not in the inventory.
	ErrModuleNotFound = errors.New("device: module not found")

	// ErrInvalidModule is returned when a module record fails validation.
	ErrInvalidModule = errors.New("device: invalid module")
)
