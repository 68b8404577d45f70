package tcan

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeTransport is an in-memory Transport[Msg] used to drive CanBus
// deterministically in synchronous mode, without real sockets.
type fakeTransport struct {
	mu        sync.Mutex
	inbox     []Msg
	written   []Msg
	failWrite bool
}

func (f *fakeTransport) Init() error { return nil }

func (f *fakeTransport) Read() (Msg, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return Msg{}, false, nil
	}
	m := f.inbox[0]
	f.inbox = f.inbox[1:]
	return m, true, nil
}

func (f *fakeTransport) Write(m Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("fake: write failed")
	}
	f.written = append(f.written, m)
	return nil
}

func (f *fakeTransport) push(m Msg) {
	f.mu.Lock()
	f.inbox = append(f.inbox, m)
	f.mu.Unlock()
}

func (f *fakeTransport) writes() []Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Msg, len(f.written))
	copy(out, f.written)
	return out
}

// testDevice satisfies Device using only the base timeout bookkeeping,
// registering no matchers of its own.
type testDevice struct {
	BaseDevice
}

func (d *testDevice) InitDevice(bus *CanBus, self DeviceHandle) bool { return true }

func newSyncCanBus(t *testing.T, transport *fakeTransport) *CanBus {
	bus := NewCanBus(BusOptions{Name: "test"}, transport)
	ok, err := bus.Init()
	if !ok {
		t.Fatalf("bus init failed: %v", err)
	}
	return bus
}

func TestCanBusExactDispatchResetsDeviceCounter(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	dev := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 5}}
	handle, ok := bus.AddDevice(dev)
	assert.True(t, ok)
	dev.deviceTimeoutCounter = 3

	var calls int
	var received Msg
	ok = bus.AddCanMessage(0x181, handle, func(m Msg) {
		calls++
		received = m
	})
	assert.True(t, ok)

	transport.push(NewMsg(0x181, []byte{0x01, 0x02, 0x03, 0x04}))
	assert.NoError(t, bus.ReadMessage())

	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, received.Payload())
	assert.Equal(t, uint32(0), dev.deviceTimeoutCounter)
}

func TestCanBusUnmappedFallback(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	dev := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 5}}
	handle, _ := bus.AddDevice(dev)
	dev.deviceTimeoutCounter = 3
	bus.AddCanMessage(0x181, handle, func(Msg) {
		t.Error("mapped callback should not fire for an unmapped id")
	})

	var unmappedCalls int
	bus.SetUnmappedMessageCallback(func(Msg) { unmappedCalls++ })

	transport.push(NewMsg(0x222, []byte{0xAA}))
	assert.NoError(t, bus.ReadMessage())

	assert.Equal(t, 1, unmappedCalls)
	assert.Equal(t, uint32(3), dev.deviceTimeoutCounter, "unmapped dispatch must not reset any device counter")
}

func TestCanBusExactMatchShadowsMasked(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	var exactFired, maskedFired bool
	bus.AddCanMessageMasked(FrameMatcher{Identifier: 0x180, Mask: 0xFFFFFF00}, NoDevice, func(Msg) { maskedFired = true })
	bus.AddCanMessage(0x181, NoDevice, func(Msg) { exactFired = true })

	transport.push(NewMsg(0x181, nil))
	assert.NoError(t, bus.ReadMessage())

	assert.True(t, exactFired)
	assert.False(t, maskedFired)
}

func TestCanBusAddCanMessageRejectsDuplicateMatcher(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	assert.True(t, bus.AddCanMessage(0x181, NoDevice, func(Msg) {}))
	assert.False(t, bus.AddCanMessage(0x181, NoDevice, func(Msg) {}))
}

func TestCanBusDeviceByHandle(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	dev := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 5}}
	handle, ok := bus.AddDevice(dev)
	assert.True(t, ok)

	got, err := bus.DeviceByHandle(handle)
	assert.NoError(t, err)
	assert.Same(t, dev, got)

	_, err = bus.DeviceByHandle(DeviceHandle(99))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestDeviceCanOpenInitRejectsOutOfRangeNodeId(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	dev := &DeviceCanOpen{BaseDevice: BaseDevice{NodeId: 0, Name: "broadcast"}}
	_, ok := bus.AddDevice(dev)
	assert.False(t, ok)
}

func TestCanBusMaskedFirstRegisteredWins(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	var firstFired, secondFired bool
	bus.AddCanMessageMasked(FrameMatcher{Identifier: 0x180, Mask: 0xFFFFFF00}, NoDevice, func(Msg) { firstFired = true })
	bus.AddCanMessageMasked(FrameMatcher{Identifier: 0x100, Mask: 0xFFFFFF00}, NoDevice, func(Msg) { secondFired = true })

	transport.push(NewMsg(0x185, nil))
	assert.NoError(t, bus.ReadMessage())

	assert.True(t, firstFired)
	assert.False(t, secondFired)
}

func TestCanBusDuplicateMatcherRejected(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	if ok := bus.AddCanMessage(0x200, NoDevice, func(Msg) {}); !ok {
		t.Fatal("first registration should succeed")
	}
	if ok := bus.AddCanMessage(0x200, NoDevice, func(Msg) {}); ok {
		t.Error("duplicate registration should fail")
	}
}

func TestCanBusSanityAggregation(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	healthy := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 0}}
	unhealthy := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 1}}
	bus.AddDevice(healthy)
	bus.AddDevice(unhealthy)

	ok := bus.sanityAll()
	assert.False(t, ok)
	assert.True(t, bus.IsMissingDeviceOrHasError())
	assert.False(t, bus.AllDevicesActive())
}

func TestCanBusZeroTimeoutDisablesSanity(t *testing.T) {
	dev := &testDevice{BaseDevice: BaseDevice{MaxDeviceTimeoutCounter: 0}}
	for i := 0; i < 1000; i++ {
		if !dev.SanityCheck() {
			t.Fatal("MaxDeviceTimeoutCounter == 0 must always report healthy")
		}
	}
}

func TestCanBusWriteMessagePopsOnSuccess(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)

	assert.NoError(t, bus.Send(NewMsg(0x1, []byte{1})))
	assert.NoError(t, bus.WriteMessage())
	assert.Len(t, transport.writes(), 1)
}

func TestCanBusPassiveDropsQueuedFrames(t *testing.T) {
	transport := &fakeTransport{}
	bus := newSyncCanBus(t, transport)
	bus.Passivate()

	assert.NoError(t, bus.Send(NewMsg(0x1, []byte{1})))
	assert.NoError(t, bus.WriteMessage())
	assert.Len(t, transport.writes(), 0, "passive bus must not write to the transport")
}
