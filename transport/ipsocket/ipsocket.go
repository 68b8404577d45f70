// Package ipsocket adapts a plain net.Conn (TCP or UDP) to the
// tcan.Transport contract, demonstrating that Bus[M] is not CAN-specific:
// frames are a fixed, non-masked wire encoding.
package ipsocket

import (
	"encoding/binary"
	"net"
	"syscall"
	"time"

	"github.com/simonkerscher/tcan"
)

// syscallConner is implemented by the net.Conn types (*net.TCPConn,
// *net.UDPConn, ...) that can hand back their underlying file descriptor.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// wireSize is the fixed frame encoding: 4-byte big-endian identifier,
// 1-byte length, 8 bytes of payload (§4.6).
const wireSize = 13

// Transport adapts an already-established net.Conn.
type Transport struct {
	Conn net.Conn
}

// New wraps conn.
func New(conn net.Conn) *Transport {
	return &Transport{Conn: conn}
}

// Init verifies the connection was supplied; dialing is the caller's
// responsibility since this package is transport-shape-agnostic (TCP or
// UDP).
func (t *Transport) Init() error {
	if t.Conn == nil {
		return tcan.ErrBusNotInitialized
	}
	return nil
}

// Write encodes and sends one frame.
func (t *Transport) Write(frame tcan.Msg) error {
	buf := make([]byte, wireSize)
	binary.BigEndian.PutUint32(buf[0:4], frame.ID)
	buf[4] = frame.Length
	copy(buf[5:13], frame.Data[:])
	_ = t.Conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := t.Conn.Write(buf)
	return err
}

// Read blocks briefly for one inbound frame, returning delivered=false
// on a read timeout.
func (t *Transport) Read() (tcan.Msg, bool, error) {
	_ = t.Conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, wireSize)
	if _, err := readFull(t.Conn, buf); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return tcan.Msg{}, false, nil
		}
		return tcan.Msg{}, false, err
	}
	var frame tcan.Msg
	frame.ID = binary.BigEndian.Uint32(buf[0:4])
	frame.Length = buf[4]
	copy(frame.Data[:], buf[5:13])
	return frame, true, nil
}

// Fd satisfies tcan.PollableTransport for the connection types that expose
// their underlying descriptor (*net.TCPConn, *net.UDPConn, *net.UnixConn).
// Returns -1 if the wrapped net.Conn does not support it.
func (t *Transport) Fd() int {
	sc, ok := t.Conn.(syscallConner)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	err = raw.Control(func(f uintptr) { fd = int(f) })
	if err != nil {
		return -1
	}
	return fd
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
