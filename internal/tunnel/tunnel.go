package tunnel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ClientInfo carries display capabilities the browser reports when opening
// a tunnel. Forwarded to the backend verbatim.
type ClientInfo struct {
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	DPI            int      `json:"dpi,omitempty"`
	AudioMimetypes []string `json:"audio_mimetypes,omitempty"`
	VideoMimetypes []string `json:"video_mimetypes,omitempty"`
	ImageMimetypes []string `json:"image_mimetypes,omitempty"`
}

// StreamTunnel is a live bidirectional channel between a browser-facing
// connection and a backend display-protocol stream. It satisfies the
// session package's Tunnel interface.
type StreamTunnel struct {
	uuid    string
	created time.Time

	client  net.Conn
	backend net.Conn

	mu       sync.Mutex
	isClosed bool
	onClose  func()

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	log *logrus.Entry
}

// NewStreamTunnel pairs the two connections under a fresh UUID. onClose
// runs exactly once, on whichever path closes the tunnel first, and may be
// nil.
func NewStreamTunnel(client, backend net.Conn, log *logrus.Logger, onClose func()) *StreamTunnel {
	id := uuid.New().String()
	return &StreamTunnel{
		uuid:    id,
		created: time.Now(),
		client:  client,
		backend: backend,
		onClose: onClose,
		log:     log.WithField("tunnel", id),
	}
}

func (t *StreamTunnel) UUID() string { return t.uuid }

func (t *StreamTunnel) CreationTime() time.Time { return t.created }

func (t *StreamTunnel) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.isClosed
}

// BytesIn returns the number of bytes relayed from backend to client.
func (t *StreamTunnel) BytesIn() int64 { return t.bytesIn.Load() }

// BytesOut returns the number of bytes relayed from client to backend.
func (t *StreamTunnel) BytesOut() int64 { return t.bytesOut.Load() }

// Run pumps data in both directions until either side ends, then closes
// the tunnel. It blocks for the lifetime of the connection.
func (t *StreamTunnel) Run() error {
	if tcpConn, ok := t.backend.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	buf1 := GetBuffer()
	buf2 := GetBuffer()
	defer PutBuffer(buf1)
	defer PutBuffer(buf2)

	errChan := make(chan error, 2)

	go func() {
		n, err := io.CopyBuffer(t.backend, t.client, buf1)
		t.bytesOut.Add(n)
		if tc, ok := t.backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errChan <- err
	}()

	go func() {
		n, err := io.CopyBuffer(t.client, t.backend, buf2)
		t.bytesIn.Add(n)
		errChan <- err
	}()

	// Whichever direction finishes first ends the tunnel.
	err := <-errChan
	t.Close()
	<-errChan

	if err != nil && !t.expectedCloseError(err) {
		return err
	}
	return nil
}

// Close tears down both ends and runs the onClose hook. Idempotent: only
// the first call does any work, later calls return nil.
func (t *StreamTunnel) Close() error {
	t.mu.Lock()
	if t.isClosed {
		t.mu.Unlock()
		return nil
	}
	t.isClosed = true
	onClose := t.onClose
	t.mu.Unlock()

	if err := t.backend.Close(); err != nil {
		t.log.WithError(err).Debug("Backend stream close failed")
	}
	if err := t.client.Close(); err != nil {
		t.log.WithError(err).Debug("Client connection close failed")
	}

	if onClose != nil {
		onClose()
	}

	t.log.WithFields(logrus.Fields{
		"bytes_in":  t.bytesIn.Load(),
		"bytes_out": t.bytesOut.Load(),
		"duration":  time.Since(t.created).Round(time.Millisecond),
	}).Debug("Tunnel closed")

	return nil
}

// expectedCloseError reports whether err is part of normal teardown rather
// than a transport failure worth surfacing.
func (t *StreamTunnel) expectedCloseError(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isClosed || err == io.EOF
}
