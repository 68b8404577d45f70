package tcan

import "encoding/binary"

// CAN identifier flags and masks, matching the host CAN framing
// convention used throughout the CANopen COB-ID table (§6).
const (
	CanEffFlag uint32 = 0x80000000
	CanRtrFlag uint32 = 0x40000000
	CanSffMask uint32 = 0x000007FF
)

// Msg is the frame type exchanged across a Bus: an identifier, up to 8
// payload bytes, a length, and a direction/send marker. It is used
// unmodified as the CAN frame type and by non-CAN transports, since they
// fit inside the same 8-byte-payload shape.
type Msg struct {
	ID     uint32
	Length uint8
	Data   [8]byte
	Flag   bool
}

// CanMsg is an alias for Msg, used where a CAN frame is emphasized over
// the generic transport payload.
type CanMsg = Msg

// NewMsg builds a Msg from an identifier and payload, truncating payload
// beyond 8 bytes.
func NewMsg(id uint32, data []byte) Msg {
	msg := Msg{ID: id}
	n := len(data)
	if n > 8 {
		n = 8
	}
	copy(msg.Data[:n], data[:n])
	msg.Length = uint8(n)
	return msg
}

// Uint8 reads a single byte at offset.
func (m Msg) Uint8(offset int) uint8 {
	return m.Data[offset]
}

// PutUint8 writes a single byte at offset.
func (m *Msg) PutUint8(offset int, v uint8) {
	m.Data[offset] = v
}

// Uint16 reads a little-endian uint16 at offset.
func (m Msg) Uint16(offset int) uint16 {
	return binary.LittleEndian.Uint16(m.Data[offset : offset+2])
}

// PutUint16 writes a little-endian uint16 at offset.
func (m *Msg) PutUint16(offset int, v uint16) {
	binary.LittleEndian.PutUint16(m.Data[offset:offset+2], v)
}

// Uint32 reads a little-endian uint32 at offset.
func (m Msg) Uint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(m.Data[offset : offset+4])
}

// PutUint32 writes a little-endian uint32 at offset.
func (m *Msg) PutUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(m.Data[offset:offset+4], v)
}

// Payload returns the meaningful slice of Data, i.e. Data[:Length].
func (m Msg) Payload() []byte {
	return m.Data[:m.Length]
}
