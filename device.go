package tcan

import "sync/atomic"

// DeviceHandle identifies a device instance by its position in a
// CanBus's owning slice. Dispatch entries carry this index instead of a
// raw pointer captured in a closure (§9), so a device's lifetime is tied
// to the bus's slice rather than to whatever goroutine registered it.
type DeviceHandle int

// Device is the contract every logical endpoint on a CanBus must
// satisfy.
type Device interface {
	// InitDevice registers this device's matchers on bus and sends any
	// initial commands. Called exactly once, by CanBus.AddDevice.
	InitDevice(bus *CanBus, self DeviceHandle) bool
	// SanityCheck reports whether the device is currently healthy. It is
	// called once per sanity tick and may have side effects (incrementing
	// internal timeout counters).
	SanityCheck() bool
}

// timeoutResetter is satisfied by BaseDevice; CanBus uses it to reset a
// device's counter after a dispatched callback fires, without requiring
// that every Device expose ResetTimeout in its own interface.
type timeoutResetter interface {
	ResetTimeout()
}

// BaseDevice implements the timeout-counter bookkeeping shared by every
// Device. Concrete device types embed it.
type BaseDevice struct {
	NodeId                  uint8
	Name                    string
	MaxDeviceTimeoutCounter uint32

	deviceTimeoutCounter uint32
}

// ResetTimeout clears the device's inactivity counter. Called whenever a
// dispatched callback attributed to this device fires.
func (d *BaseDevice) ResetTimeout() {
	atomic.StoreUint32(&d.deviceTimeoutCounter, 0)
}

// SanityCheck implements the base timeout rule: unhealthy once the
// counter reaches MaxDeviceTimeoutCounter, unless the limit is disabled
// (0 means "no check"). The counter is incremented here, so the sanity
// interval is its clock.
func (d *BaseDevice) SanityCheck() bool {
	if d.MaxDeviceTimeoutCounter == 0 {
		return true
	}
	counter := atomic.AddUint32(&d.deviceTimeoutCounter, 1)
	return counter < d.MaxDeviceTimeoutCounter
}
