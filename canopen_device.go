package tcan

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// NmtState models the CANopen network-management state machine (§4.4).
type NmtState int32

const (
	NmtInitializing NmtState = iota
	NmtStopped
	NmtPreOperational
	NmtOperational
	NmtMissing
)

func (s NmtState) String() string {
	switch s {
	case NmtInitializing:
		return "Initializing"
	case NmtStopped:
		return "Stopped"
	case NmtPreOperational:
		return "PreOperational"
	case NmtOperational:
		return "Operational"
	case NmtMissing:
		return "Missing"
	default:
		return "Unknown"
	}
}

// NMT command specifiers, broadcast on cobNMT with byte 1 = target node
// id (0 = all nodes).
const (
	NmtCmdStartRemoteDevice        uint8 = 0x01
	NmtCmdStopRemoteDevice         uint8 = 0x02
	NmtCmdEnterPreOperational      uint8 = 0x80
	NmtCmdResetRemoteDevice        uint8 = 0x81
	NmtCmdResetRemoteCommunication uint8 = 0x82
)

// Heartbeat byte values (device -> host, one byte, §4.4).
const (
	hbBootUp         uint8 = 0x00
	hbStopped        uint8 = 0x04
	hbOperational    uint8 = 0x05
	hbPreOperational uint8 = 0x7F
)

// COB-ID offsets relative to a device's node id (§6).
const (
	cobNMT         uint32 = 0x000
	cobSync        uint32 = 0x080
	cobSdoResponse uint32 = 0x580
	cobSdoRequest  uint32 = 0x600
	cobHeartbeat   uint32 = 0x700
)

// Expedited SDO command specifiers (byte 0 of the request/response).
const (
	sdoCmdInitiateDownload uint8 = 0x23 // expedited, 4-byte write
	sdoCmdInitiateUpload   uint8 = 0x40 // read request
)

// sdoRequest is one entry in a device's SDO queue.
type sdoRequest struct {
	msg      Msg
	index    uint16
	subIndex uint8
	isRead   bool
}

// DeviceCanOpen is a Device specialization implementing the NMT state
// machine, heartbeat consumption, and the SDO request/response protocol
// with in-order queueing, timeouts and bounded retries (§4.4).
type DeviceCanOpen struct {
	BaseDevice

	MaxSdoTimeoutCounter    uint32
	MaxSdoSentCounter       uint32
	ProducerHeartBeatTimeMs uint32

	// HandleReadSDOAnswer is invoked with the four expedited data bytes
	// whenever a read request completes. May be left nil.
	HandleReadSDOAnswer func(index uint16, subIndex uint8, data [4]byte)

	bus  *CanBus
	self DeviceHandle

	nmtState int32 // NmtState, accessed atomically (§5)

	sdoMu             sync.Mutex
	sdoQueue          []sdoRequest
	sdoTimeoutCounter uint32
	sdoSentCounter    uint32
}

// NmtState returns the device's current NMT state.
func (d *DeviceCanOpen) NmtState() NmtState {
	return NmtState(atomic.LoadInt32(&d.nmtState))
}

func (d *DeviceCanOpen) setNmtState(s NmtState) {
	atomic.StoreInt32(&d.nmtState, int32(s))
}

// InitDevice registers the heartbeat and SDO response matchers for this
// device's node id.
func (d *DeviceCanOpen) InitDevice(bus *CanBus, self DeviceHandle) bool {
	if d.NodeId == 0 || d.NodeId > 127 {
		log.Errorf("[DEVICE][%s] %v: node id %d out of range 1-127", d.Name, ErrOdParameters, d.NodeId)
		return false
	}
	d.bus = bus
	d.self = self
	d.setNmtState(NmtInitializing)

	hbId := cobHeartbeat + uint32(d.NodeId)
	if ok := bus.AddCanMessage(hbId, self, d.handleHeartbeat); !ok {
		log.Errorf("[DEVICE][%s] failed to register heartbeat matcher 0x%x", d.Name, hbId)
		return false
	}
	sdoId := cobSdoResponse + uint32(d.NodeId)
	if ok := bus.AddCanMessage(sdoId, self, d.handleSdoResponse); !ok {
		log.Errorf("[DEVICE][%s] failed to register SDO response matcher 0x%x", d.Name, sdoId)
		return false
	}
	log.Debugf("[DEVICE][%s] initialized, node id %d", d.Name, d.NodeId)
	return true
}

// handleHeartbeat parses the one-byte heartbeat payload into an NmtState.
func (d *DeviceCanOpen) handleHeartbeat(frame Msg) {
	if frame.Length != 1 {
		log.Warnf("[DEVICE][%s] malformed heartbeat, length %d", d.Name, frame.Length)
		return
	}
	var s NmtState
	switch frame.Data[0] {
	case hbBootUp:
		s = NmtInitializing
	case hbStopped:
		s = NmtStopped
	case hbOperational:
		s = NmtOperational
	case hbPreOperational:
		s = NmtPreOperational
	default:
		log.Warnf("[DEVICE][%s] unknown heartbeat byte 0x%x", d.Name, frame.Data[0])
		return
	}
	d.setNmtState(s)
}

// command sends an NMT command addressed to this device. If the device
// advertises no heartbeat (ProducerHeartBeatTimeMs == 0) the resulting
// state is applied immediately; otherwise the next heartbeat is
// authoritative and this is only a best-effort request (§4.4).
func (d *DeviceCanOpen) command(cmd uint8, resulting NmtState) error {
	msg := Msg{ID: cobNMT, Length: 2}
	msg.Data[0] = cmd
	msg.Data[1] = d.NodeId
	if err := d.bus.Send(msg); err != nil {
		return err
	}
	if d.ProducerHeartBeatTimeMs == 0 {
		d.setNmtState(resulting)
	}
	return nil
}

// SetNmtStartRemoteDevice requests the device enter Operational.
func (d *DeviceCanOpen) SetNmtStartRemoteDevice() error {
	return d.command(NmtCmdStartRemoteDevice, NmtOperational)
}

// SetNmtStopRemoteDevice requests the device enter Stopped.
func (d *DeviceCanOpen) SetNmtStopRemoteDevice() error {
	return d.command(NmtCmdStopRemoteDevice, NmtStopped)
}

// SetNmtEnterPreOperational requests PreOperational and flushes the SDO
// queue, as commanded transitions of this kind invalidate in-flight
// requests (§4.4).
func (d *DeviceCanOpen) SetNmtEnterPreOperational() error {
	d.flushSdoQueue()
	return d.command(NmtCmdEnterPreOperational, NmtPreOperational)
}

// SetNmtResetRemoteDevice requests a full reset, flushing the SDO queue.
func (d *DeviceCanOpen) SetNmtResetRemoteDevice() error {
	d.flushSdoQueue()
	return d.command(NmtCmdResetRemoteDevice, NmtInitializing)
}

// SetNmtResetRemoteCommunication requests a communication reset,
// flushing the SDO queue.
func (d *DeviceCanOpen) SetNmtResetRemoteCommunication() error {
	d.flushSdoQueue()
	return d.command(NmtCmdResetRemoteCommunication, NmtInitializing)
}

func (d *DeviceCanOpen) flushSdoQueue() {
	d.sdoMu.Lock()
	dropped := len(d.sdoQueue)
	d.sdoQueue = nil
	d.sdoMu.Unlock()
	if dropped > 0 {
		log.Warnf("[DEVICE][%s] flushed %d pending SDO requests", d.Name, dropped)
	}
	atomic.StoreUint32(&d.sdoTimeoutCounter, 0)
	atomic.StoreUint32(&d.sdoSentCounter, 0)
}

// SendSDO enqueues an SDO request for transmission; if the queue was
// empty, the request is also sent immediately.
func (d *DeviceCanOpen) SendSDO(index uint16, subIndex uint8, isRead bool, data [4]byte) error {
	msg := Msg{ID: cobSdoRequest + uint32(d.NodeId), Length: 8}
	if isRead {
		msg.Data[0] = sdoCmdInitiateUpload
	} else {
		msg.Data[0] = sdoCmdInitiateDownload
	}
	msg.PutUint16(1, index)
	msg.PutUint8(3, subIndex)
	if !isRead {
		copy(msg.Data[4:8], data[:])
	}
	req := sdoRequest{msg: msg, index: index, subIndex: subIndex, isRead: isRead}

	d.sdoMu.Lock()
	empty := len(d.sdoQueue) == 0
	d.sdoQueue = append(d.sdoQueue, req)
	d.sdoMu.Unlock()

	if empty {
		return d.transmitHeadSDO()
	}
	return nil
}

// transmitHeadSDO sends the current head of the queue and resets the
// retry counters.
func (d *DeviceCanOpen) transmitHeadSDO() error {
	d.sdoMu.Lock()
	if len(d.sdoQueue) == 0 {
		d.sdoMu.Unlock()
		return nil
	}
	head := d.sdoQueue[0]
	d.sdoMu.Unlock()

	atomic.StoreUint32(&d.sdoSentCounter, 1)
	atomic.StoreUint32(&d.sdoTimeoutCounter, 0)
	return d.bus.Send(head.msg)
}

// handleSdoResponse verifies the response matches the head-of-queue
// request, dispatches read results, pops the queue and transmits the
// next request, if any (§4.4).
func (d *DeviceCanOpen) handleSdoResponse(frame Msg) {
	d.sdoMu.Lock()
	if len(d.sdoQueue) == 0 {
		d.sdoMu.Unlock()
		return
	}
	head := d.sdoQueue[0]
	index := frame.Uint16(1)
	subIndex := frame.Uint8(3)
	if index != head.index || subIndex != head.subIndex {
		d.sdoMu.Unlock()
		log.Warnf("[DEVICE][%s] SDO response %x:%x does not match queue head %x:%x", d.Name, index, subIndex, head.index, head.subIndex)
		return
	}
	d.sdoQueue = d.sdoQueue[1:]
	hasNext := len(d.sdoQueue) > 0
	d.sdoMu.Unlock()

	if head.isRead && d.HandleReadSDOAnswer != nil {
		var data [4]byte
		copy(data[:], frame.Data[4:8])
		d.HandleReadSDOAnswer(index, subIndex, data)
	}
	if hasNext {
		if err := d.transmitHeadSDO(); err != nil {
			log.Warnf("[DEVICE][%s] failed to transmit next SDO request: %v", d.Name, err)
		}
	}
}

// checkSdoTimeout is called once per sanity tick. It returns false if the
// head-of-queue request has exhausted its retries and was dropped.
func (d *DeviceCanOpen) checkSdoTimeout() bool {
	if d.MaxSdoTimeoutCounter == 0 {
		return true
	}
	d.sdoMu.Lock()
	empty := len(d.sdoQueue) == 0
	d.sdoMu.Unlock()
	if empty {
		return true
	}

	timeoutCounter := atomic.AddUint32(&d.sdoTimeoutCounter, 1)
	if timeoutCounter < d.MaxSdoTimeoutCounter {
		return true
	}

	sentCounter := atomic.LoadUint32(&d.sdoSentCounter)
	if sentCounter < d.MaxSdoSentCounter {
		// transmitHeadSDO restarts the send count for a fresh request, so
		// the retransmit's count is stored after it.
		if err := d.transmitHeadSDO(); err != nil {
			log.Warnf("[DEVICE][%s] SDO retransmit failed: %v", d.Name, err)
		}
		atomic.StoreUint32(&d.sdoSentCounter, sentCounter+1)
		return true
	}

	d.sdoMu.Lock()
	var dropped sdoRequest
	if len(d.sdoQueue) > 0 {
		dropped = d.sdoQueue[0]
		d.sdoQueue = d.sdoQueue[1:]
	}
	d.sdoMu.Unlock()
	log.Errorf("[DEVICE][%s] SDO request %x:%x exhausted retries, dropping", d.Name, dropped.index, dropped.subIndex)
	atomic.StoreUint32(&d.sdoTimeoutCounter, 0)
	atomic.StoreUint32(&d.sdoSentCounter, 0)
	return false
}

// SanityCheck conjoins the base timeout check with the SDO timeout
// check, and marks the device Missing once the base timeout fires while
// a heartbeat is expected (§4.4).
func (d *DeviceCanOpen) SanityCheck() bool {
	timeoutOk := d.BaseDevice.SanityCheck()
	if !timeoutOk && d.ProducerHeartBeatTimeMs > 0 && d.NmtState() != NmtMissing {
		d.setNmtState(NmtMissing)
		log.Warnf("[DEVICE][%s] heartbeat timeout, marking missing", d.Name)
	}
	sdoOk := d.checkSdoTimeout()
	if d.NmtState() == NmtMissing {
		return false
	}
	return timeoutOk && sdoOk
}
