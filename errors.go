package tcan

import "errors"

var (
	ErrIllegalArgument     = errors.New("error in function arguments")
	ErrDuplicateMatcher    = errors.New("a matcher is already registered for this identifier/mask pair")
	ErrBusClosed           = errors.New("bus is closed")
	ErrBusNotInitialized   = errors.New("bus was not initialized")
	ErrTransportOpenFailed = errors.New("failed to open transport")
	ErrTimeout             = errors.New("operation timed out")
	ErrOdParameters        = errors.New("error in device configuration parameters")
	ErrUnknownDevice       = errors.New("device handle out of range")
)
