package tunnel

import (
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskgate/internal/auth"
	"deskgate/internal/constants"
	"deskgate/internal/logger"
)

// pipePair builds a tunnel between two in-memory pipes and returns the far
// ends for the test to drive.
func pipePair(t *testing.T, onClose func()) (*StreamTunnel, net.Conn, net.Conn) {
	t.Helper()
	clientEnd, clientConn := net.Pipe()
	backendConn, backendEnd := net.Pipe()
	tun := NewStreamTunnel(clientConn, backendConn, logger.Setup(io.Discard, "debug"), onClose)
	return tun, clientEnd, backendEnd
}

func TestStreamTunnelRelaysBothDirections(t *testing.T) {
	tun, clientEnd, backendEnd := pipePair(t, nil)

	done := make(chan error, 1)
	go func() { done <- tun.Run() }()

	go clientEnd.Write([]byte("hello"))
	buf := make([]byte, 5)
	_, err := io.ReadFull(backendEnd, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	go backendEnd.Write([]byte("world"))
	_, err = io.ReadFull(clientEnd, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	clientEnd.Close()
	select {
	case err := <-done:
		assert.NoError(t, err, "normal disconnect is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down after client disconnect")
	}

	assert.False(t, tun.IsOpen())
	assert.Equal(t, int64(5), tun.BytesOut())
	assert.Equal(t, int64(5), tun.BytesIn())
}

func TestStreamTunnelCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	tun, _, _ := pipePair(t, func() { closes.Add(1) })

	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())

	assert.Equal(t, int32(1), closes.Load(), "onClose hook runs exactly once")
	assert.False(t, tun.IsOpen())
}

func TestStreamTunnelIdentity(t *testing.T) {
	a, _, _ := pipePair(t, nil)
	b, _, _ := pipePair(t, nil)
	defer a.Close()
	defer b.Close()

	assert.NotEmpty(t, a.UUID())
	assert.NotEqual(t, a.UUID(), b.UUID())
	assert.WithinDuration(t, time.Now(), a.CreationTime(), time.Second)
	assert.True(t, a.IsOpen())
}

func TestWriteConnectFrame(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	conn := &auth.Connection{
		Identifier: "desk-1",
		Protocol:   "rdp",
		Hostname:   "10.0.0.5",
		Port:       3389,
		Params:     map[string]string{"security": "nla"},
	}
	info := ClientInfo{Width: 1920, Height: 1080, DPI: 96}

	errChan := make(chan error, 1)
	go func() { errChan <- writeConnectFrame(near, conn, info) }()

	header := make([]byte, 1)
	_, err := io.ReadFull(far, header)
	require.NoError(t, err)
	assert.Equal(t, constants.StreamTypeProxy, header[0])

	var frame connectFrame
	require.NoError(t, json.NewDecoder(far).Decode(&frame))
	require.NoError(t, <-errChan)

	assert.Equal(t, "desk-1", frame.ConnectionID)
	assert.Equal(t, "rdp", frame.Protocol)
	assert.Equal(t, "nla", frame.Params["security"])
	assert.Equal(t, 1920, frame.Client.Width)
	assert.Equal(t, 96, frame.Client.DPI)
}

func TestBufferPoolRoundTrip(t *testing.T) {
	buf := GetBuffer()
	assert.Len(t, buf, constants.CopyBufferSize)
	PutBuffer(buf)

	PutBuffer(make([]byte, 16)) // undersized buffers are dropped, not pooled
	assert.Len(t, GetBuffer(), constants.CopyBufferSize)
}
