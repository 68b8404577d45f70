// Package socketcan adapts github.com/brutella/can to the tcan.Transport
// contract. All real SocketCAN I/O (filter/mask setup, interface
// bring-up) is delegated to that library; this package only translates
// frame representations.
package socketcan

import (
	"github.com/brutella/can"

	"github.com/simonkerscher/tcan"
)

// Transport wraps a brutella/can bus bound to a Linux network interface
// (e.g. "can0").
type Transport struct {
	Interface string

	bus    *can.Bus
	frames chan tcan.Msg
}

// New builds a socketcan transport for iface. Init performs the actual
// interface bring-up.
func New(iface string) *Transport {
	return &Transport{Interface: iface, frames: make(chan tcan.Msg, 256)}
}

// Init opens the SocketCAN interface and starts brutella/can's own
// receive loop, which calls back into Handle.
func (t *Transport) Init() error {
	bus, err := can.NewBusForInterfaceWithName(t.Interface)
	if err != nil {
		return err
	}
	t.bus = bus
	bus.Subscribe(t)
	go bus.ConnectAndPublish()
	return nil
}

// Handle implements brutella/can's frame listener interface, feeding
// received frames into the channel Read drains.
func (t *Transport) Handle(frame can.Frame) {
	msg := tcan.Msg{ID: frame.ID, Length: frame.Length, Data: frame.Data}
	select {
	case t.frames <- msg:
	default:
		// Channel full: 256 frames are waiting unread. The frame is
		// dropped without a warning; unlike the bus's outgoing queue,
		// this buffer has a hard bound.
	}
}

// Read drains one frame already received by brutella/can's background
// goroutine, if any.
func (t *Transport) Read() (tcan.Msg, bool, error) {
	select {
	case frame := <-t.frames:
		return frame, true, nil
	default:
		return tcan.Msg{}, false, nil
	}
}

// Write publishes frame onto the bus via brutella/can.
func (t *Transport) Write(frame tcan.Msg) error {
	return t.bus.Publish(can.Frame{
		ID:     frame.ID,
		Length: frame.Length,
		Data:   frame.Data,
	})
}
