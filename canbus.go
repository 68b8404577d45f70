package tcan

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Callback processes one dispatched frame. If it is registered against a
// device (see AddCanMessage), the bus resets that device's timeout
// counter after the callback returns (§4.2).
type Callback func(Msg)

// NoDevice marks a dispatch entry with no associated device.
const NoDevice DeviceHandle = -1

type dispatchEntry struct {
	device   DeviceHandle
	callback Callback
}

type maskedEntry struct {
	matcher FrameMatcher
	entry   dispatchEntry
}

// CanBus specializes Bus[Msg] with a CAN identifier/mask dispatch table
// and an owning slice of attached devices (§4.2).
type CanBus struct {
	*Bus[Msg]

	mu      sync.Mutex
	devices []Device

	exact  map[FrameMatcher]dispatchEntry
	masked []maskedEntry

	unmapped Callback

	isMissingOrError atomic.Bool
	allDevicesActive atomic.Bool
}

// NewCanBus constructs a CanBus bound to a CAN-shaped transport.
func NewCanBus(opts BusOptions, transport Transport[Msg]) *CanBus {
	cb := &CanBus{
		exact: make(map[FrameMatcher]dispatchEntry),
	}
	cb.Bus = NewBus(opts, transport, cb.handleMessage)
	cb.Bus.SanityCheck = cb.sanityAll
	cb.Bus.SetSyncFrame(func() Msg { return Msg{ID: cobSync, Length: 0} })
	cb.unmapped = func(m Msg) {
		log.Debugf("[CANBUS][%s] unmapped frame id=0x%x", opts.Name, m.ID)
	}
	return cb
}

// AddCanMessage registers an exact-match callback for id, optionally
// attributed to dev (NoDevice for none). Returns false on a duplicate
// (id, mask) registration.
func (cb *CanBus) AddCanMessage(id uint32, dev DeviceHandle, fn Callback) bool {
	return cb.AddCanMessageMasked(NewFrameMatcher(id), dev, fn)
}

// AddCanMessageMasked is AddCanMessage with a caller-supplied mask.
func (cb *CanBus) AddCanMessageMasked(matcher FrameMatcher, dev DeviceHandle, fn Callback) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if matcher.isExact() {
		if _, exists := cb.exact[matcher]; exists {
			log.Warnf("[CANBUS] %v: id=0x%x", ErrDuplicateMatcher, matcher.Identifier)
			return false
		}
		cb.exact[matcher] = dispatchEntry{device: dev, callback: fn}
		return true
	}
	for _, m := range cb.masked {
		if m.matcher == matcher {
			log.Warnf("[CANBUS] %v: id=0x%x mask=0x%x", ErrDuplicateMatcher, matcher.Identifier, matcher.Mask)
			return false
		}
	}
	cb.masked = append(cb.masked, maskedEntry{matcher: matcher, entry: dispatchEntry{device: dev, callback: fn}})
	return true
}

// SetUnmappedMessageCallback installs the catch-all invoked when no
// matcher fires.
func (cb *CanBus) SetUnmappedMessageCallback(fn Callback) {
	cb.unmapped = fn
}

// AddDevice attaches dev to the bus, calling InitDevice exactly once, and
// returns its handle for later reference.
func (cb *CanBus) AddDevice(dev Device) (DeviceHandle, bool) {
	cb.mu.Lock()
	handle := DeviceHandle(len(cb.devices))
	cb.devices = append(cb.devices, dev)
	cb.mu.Unlock()

	if !dev.InitDevice(cb, handle) {
		log.Errorf("[CANBUS] device initialization failed, handle=%d", handle)
		return handle, false
	}
	return handle, true
}

func (cb *CanBus) deviceAt(h DeviceHandle) (Device, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if int(h) < 0 || int(h) >= len(cb.devices) {
		return nil, false
	}
	return cb.devices[h], true
}

// DeviceByHandle looks up a previously attached device by the handle
// returned from AddDevice, for callers that need to reach a device
// without having kept their own reference.
func (cb *CanBus) DeviceByHandle(h DeviceHandle) (Device, error) {
	dev, ok := cb.deviceAt(h)
	if !ok {
		return nil, ErrUnknownDevice
	}
	return dev, nil
}

// handleMessage implements the dispatch policy: exact match wins, then
// the first-registered masked match; at most one callback fires (§4.2).
func (cb *CanBus) handleMessage(frame Msg) {
	cb.mu.Lock()
	entry, ok := cb.exact[NewFrameMatcher(frame.ID)]
	if !ok {
		for _, m := range cb.masked {
			if m.matcher.Matches(frame.ID) {
				entry = m.entry
				ok = true
				break
			}
		}
	}
	cb.mu.Unlock()

	if !ok {
		if cb.unmapped != nil {
			cb.unmapped(frame)
		}
		return
	}
	entry.callback(frame)
	if entry.device != NoDevice {
		if d, found := cb.deviceAt(entry.device); found {
			if resetter, ok := d.(timeoutResetter); ok {
				resetter.ResetTimeout()
			}
		}
	}
}

// sanityAll runs SanityCheck on every attached device and aggregates bus
// health flags (§4.2).
func (cb *CanBus) sanityAll() bool {
	cb.mu.Lock()
	devices := make([]Device, len(cb.devices))
	copy(devices, cb.devices)
	cb.mu.Unlock()

	anyUnhealthy := cb.Bus.HasBusError()
	allActive := true
	for _, d := range devices {
		if !d.SanityCheck() {
			anyUnhealthy = true
			allActive = false
		}
	}
	cb.isMissingOrError.Store(anyUnhealthy)
	cb.allDevicesActive.Store(allActive)
	return !anyUnhealthy
}

// IsMissingDeviceOrHasError reports the bus's aggregated health flag as
// of the last sanity tick.
func (cb *CanBus) IsMissingDeviceOrHasError() bool { return cb.isMissingOrError.Load() }

// AllDevicesActive reports whether every attached device was healthy as
// of the last sanity tick.
func (cb *CanBus) AllDevicesActive() bool { return cb.allDevicesActive.Load() }

// ResetAllDevices sends an NMT reset command to every attached CANopen
// device and flushes its SDO queue. A device without a heartbeat
// (ProducerHeartBeatTimeMs == 0) returns to Initializing at once; one
// with a heartbeat changes state on its next heartbeat. Devices that are
// not *DeviceCanOpen are left untouched (§4.2).
func (cb *CanBus) ResetAllDevices() {
	cb.mu.Lock()
	devices := make([]Device, len(cb.devices))
	copy(devices, cb.devices)
	cb.mu.Unlock()

	for _, d := range devices {
		if co, ok := d.(*DeviceCanOpen); ok {
			if err := co.SetNmtResetRemoteDevice(); err != nil {
				log.Warnf("[CANBUS] failed to reset device %s: %v", co.Name, err)
			}
		}
	}
}
