// Package virtual implements a TCP-loopback transport used for tests
// and local demos in place of real CAN hardware, modeled on the
// windelbouwman/virtualcan wire protocol.
package virtual

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/simonkerscher/tcan"
)

// frameWireSize is the body size after the 4-byte length header: 1 flag
// byte, 4 id bytes, 1 length byte, 8 payload bytes.
const frameWireSize = 14

// Transport is a tcan.Transport[tcan.Msg] that dials or listens on a TCP
// address and frames messages with a 4-byte big-endian length prefix.
type Transport struct {
	Address string
	// Listen, when true, makes Init accept one incoming connection on
	// Address instead of dialing it.
	Listen bool
	// ReceiveOwn, when true, loops every transmitted frame back into
	// this transport's own Read, in addition to sending it to the peer.
	ReceiveOwn bool

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	own      chan tcan.Msg
}

// New builds a virtual transport bound to address, dialing it unless
// listen is set.
func New(address string, listen bool) *Transport {
	return &Transport{Address: address, Listen: listen}
}

// Init dials (or accepts on) Address.
func (t *Transport) Init() error {
	if t.Listen {
		ln, err := net.Listen("tcp", t.Address)
		if err != nil {
			return err
		}
		t.listener = ln
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		t.conn = conn
	} else {
		conn, err := net.Dial("tcp", t.Address)
		if err != nil {
			return err
		}
		t.conn = conn
	}
	if tcpConn, ok := t.conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	if t.ReceiveOwn {
		t.own = make(chan tcan.Msg, 64)
	}
	log.Infof("[VIRTUAL] connected on %s", t.Address)
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func serialize(frame tcan.Msg) []byte {
	body := new(bytes.Buffer)
	body.WriteByte(boolByte(frame.Flag))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], frame.ID)
	body.Write(idBuf[:])
	body.WriteByte(frame.Length)
	body.Write(frame.Data[:])

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(body.Len()))
	return append(header, body.Bytes()...)
}

func deserialize(buf []byte) (tcan.Msg, error) {
	if len(buf) != frameWireSize {
		return tcan.Msg{}, fmt.Errorf("virtual: malformed frame body, got %d bytes want %d", len(buf), frameWireSize)
	}
	var frame tcan.Msg
	frame.Flag = buf[0] != 0
	frame.ID = binary.BigEndian.Uint32(buf[1:5])
	frame.Length = buf[5]
	copy(frame.Data[:], buf[6:14])
	return frame, nil
}

// Write sends frame over the TCP connection, optionally looping it back
// into this transport's own Read when ReceiveOwn is set.
func (t *Transport) Write(frame tcan.Msg) error {
	t.mu.Lock()
	conn := t.conn
	receiveOwn := t.ReceiveOwn
	t.mu.Unlock()
	if conn == nil {
		return tcan.ErrBusNotInitialized
	}
	if receiveOwn {
		select {
		case t.own <- frame:
		default:
			log.Warnf("[VIRTUAL] receive-own buffer full, dropping loopback copy")
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := conn.Write(serialize(frame))
	return err
}

// Read blocks briefly for one inbound frame, returning delivered=false on
// a read timeout so the caller's loop can re-check shutdown state.
func (t *Transport) Read() (tcan.Msg, bool, error) {
	if t.ReceiveOwn {
		select {
		case frame := <-t.own:
			return frame, true, nil
		default:
		}
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return tcan.Msg{}, false, tcan.ErrBusNotInitialized
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return tcan.Msg{}, false, nil
		}
		return tcan.Msg{}, false, err
	}
	length := binary.BigEndian.Uint32(header)
	body := make([]byte, length)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := readFull(conn, body); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return tcan.Msg{}, false, nil
		}
		return tcan.Msg{}, false, err
	}
	frame, err := deserialize(body)
	if err != nil {
		return tcan.Msg{}, false, err
	}
	return frame, true, nil
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

// Close tears down the connection and, in listen mode, the listener.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}
	return nil
}
