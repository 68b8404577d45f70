package virtual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/simonkerscher/tcan"
)

func TestVirtualTransportDeliversFrameToPeerOnly(t *testing.T) {
	addr := "127.0.0.1:18765"
	server := New(addr, true)
	client := New(addr, false)

	serverReady := make(chan error, 1)
	go func() { serverReady <- server.Init() }()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, client.Init())
	assert.NoError(t, <-serverReady)
	defer server.Close()
	defer client.Close()

	frame := tcan.NewMsg(0x123, []byte{1, 2, 3, 4})
	assert.NoError(t, client.Write(frame))

	got, delivered, err := server.Read()
	assert.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, frame.ID, got.ID)
	assert.Equal(t, frame.Payload(), got.Payload())

	_, delivered, err = client.Read()
	assert.NoError(t, err)
	assert.False(t, delivered, "without ReceiveOwn the sender must never see its own frame")
}

func TestVirtualTransportReceiveOwnLoopsBack(t *testing.T) {
	addr := "127.0.0.1:18766"
	server := New(addr, true)
	client := New(addr, false)
	client.ReceiveOwn = true

	serverReady := make(chan error, 1)
	go func() { serverReady <- server.Init() }()
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, client.Init())
	assert.NoError(t, <-serverReady)
	defer server.Close()
	defer client.Close()

	frame := tcan.NewMsg(0x1, []byte{9})
	assert.NoError(t, client.Write(frame))

	got, delivered, err := client.Read()
	assert.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, frame.ID, got.ID)
}

func TestVirtualTransportWriteBeforeInitFails(t *testing.T) {
	tr := New("127.0.0.1:0", false)
	err := tr.Write(tcan.NewMsg(0x1, nil))
	assert.ErrorIs(t, err, tcan.ErrBusNotInitialized)
}
