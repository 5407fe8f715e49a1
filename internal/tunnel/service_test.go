package tunnel

import (
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskgate/internal/activity"
	"deskgate/internal/auth"
	"deskgate/internal/events"
	"deskgate/internal/logger"
	"deskgate/internal/session"
)

type grantContext struct {
	connections map[string]*auth.Connection
}

func (c *grantContext) Self() *auth.User                         { return &auth.User{Identifier: "alice"} }
func (c *grantContext) Valid() bool                              { return true }
func (c *grantContext) Invalidate() error                        { return nil }
func (c *grantContext) Connections() map[string]*auth.Connection { return c.connections }
func (c *grantContext) Users() map[string]*auth.User             { return nil }
func (c *grantContext) Groups() map[string]*auth.Group           { return nil }
func (c *grantContext) History() []*activity.Record              { return nil }

// startBackend runs a minimal yamux backend that accepts one stream,
// consumes the connect frame and echoes everything after it.
func startBackend(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		link, err := yamux.Server(conn, yamuxConfig())
		if err != nil {
			return
		}
		for {
			stream, err := link.AcceptStream()
			if err != nil {
				return
			}
			go func(stream net.Conn) {
				defer stream.Close()
				header := make([]byte, 1)
				if _, err := io.ReadFull(stream, header); err != nil {
					return
				}
				var frame connectFrame
				dec := json.NewDecoder(stream)
				if err := dec.Decode(&frame); err != nil {
					return
				}
				// The decoder may have read past the frame; keep those
				// buffered bytes. Skip the newline Encode appends after
				// the frame, then echo the rest.
				rest := io.MultiReader(dec.Buffered(), stream)
				var nl [1]byte
				if _, err := io.ReadFull(rest, nl[:]); err != nil {
					return
				}
				io.Copy(stream, rest)
			}(stream)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testService(t *testing.T) (*Service, *events.Dispatcher, activity.Store) {
	t.Helper()
	log := logger.Setup(io.Discard, "debug")
	dispatcher := events.NewDispatcher(log)
	store := activity.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	dialer := NewDialer(log)
	t.Cleanup(func() { dialer.Close() })

	return NewService(dialer, store, dispatcher, log), dispatcher, store
}

func grantedSession(t *testing.T, dispatcher *events.Dispatcher, conns map[string]*auth.Connection) *session.Session {
	t.Helper()
	log := logger.Setup(io.Discard, "debug")
	user := &auth.AuthenticatedUser{
		Identifier:  "alice",
		ProviderID:  "file",
		Credentials: &auth.Credentials{Username: "alice", RemoteAddr: "10.0.0.1"},
	}
	contexts := auth.ContextSet{{ProviderID: "file", UserContext: &grantContext{connections: conns}}}
	return session.New(dispatcher, log, user, contexts)
}

func TestConnectRejectsUnknownConnection(t *testing.T) {
	svc, dispatcher, _ := testService(t)
	sess := grantedSession(t, dispatcher, nil)

	clientEnd, clientConn := net.Pipe()
	defer clientEnd.Close()

	_, err := svc.Connect(sess, "desk-1", ClientInfo{}, clientConn)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.False(t, sess.HasTunnels())
}

func TestConnectEstablishesTunnelAndRecordsActivity(t *testing.T) {
	host, port := startBackend(t)
	svc, dispatcher, store := testService(t)

	var connected, closed []string
	dispatcher.Register(events.ListenerFunc(func(e events.Event) error {
		switch ev := e.(type) {
		case events.TunnelConnectEvent:
			connected = append(connected, ev.TunnelUUID)
		case events.TunnelCloseEvent:
			closed = append(closed, ev.TunnelUUID)
		}
		return nil
	}))

	sess := grantedSession(t, dispatcher, map[string]*auth.Connection{
		"desk-1": {Identifier: "desk-1", Protocol: "rdp", Hostname: host, Port: port},
	})

	clientEnd, clientConn := net.Pipe()
	tun, err := svc.Connect(sess, "desk-1", ClientInfo{Width: 800}, clientConn)
	require.NoError(t, err)

	assert.True(t, sess.HasTunnels())
	require.Len(t, connected, 1)
	assert.Equal(t, tun.UUID(), connected[0])

	records := store.ByUser("alice")
	require.Len(t, records, 1)
	assert.True(t, records[0].Active())
	assert.Equal(t, "desk-1", records[0].ConnectionID)

	done := make(chan error, 1)
	go func() { done <- tun.Run() }()

	// The backend echoes whatever reaches it past the connect frame.
	go clientEnd.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = io.ReadFull(clientEnd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	clientEnd.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not shut down")
	}

	assert.False(t, sess.HasTunnels(), "closing detaches the tunnel from its session")
	require.Len(t, closed, 1)

	records = store.ByUser("alice")
	require.Len(t, records, 1)
	assert.False(t, records[0].Active(), "the history record is finalized on close")
}

func TestDisconnect(t *testing.T) {
	host, port := startBackend(t)
	svc, dispatcher, _ := testService(t)
	sess := grantedSession(t, dispatcher, map[string]*auth.Connection{
		"desk-1": {Identifier: "desk-1", Protocol: "rdp", Hostname: host, Port: port},
	})

	_, clientConn := net.Pipe()
	tun, err := svc.Connect(sess, "desk-1", ClientInfo{}, clientConn)
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(sess, tun.UUID()))
	assert.False(t, tun.IsOpen())
	assert.False(t, sess.HasTunnels())

	assert.ErrorIs(t, svc.Disconnect(sess, tun.UUID()), auth.ErrNotFound)
}
