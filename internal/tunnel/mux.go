package tunnel

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"

	"deskgate/internal/auth"
	"deskgate/internal/constants"
)

// connectFrame is the header sent to a backend on every new stream,
// telling it which protocol session to start and with what capabilities.
type connectFrame struct {
	ConnectionID string            `json:"connection_id"`
	Protocol     string            `json:"protocol"`
	Params       map[string]string `json:"params,omitempty"`
	Client       ClientInfo        `json:"client"`
}

// Dialer maintains one multiplexed link per backend host and opens an
// individual yamux stream per tunnel. Links are dialed lazily and re-dialed
// transparently when a cached link has died.
type Dialer struct {
	mu    sync.Mutex
	links map[string]*yamux.Session // addr -> mux session
	log   *logrus.Logger
}

func NewDialer(log *logrus.Logger) *Dialer {
	return &Dialer{
		links: make(map[string]*yamux.Session),
		log:   log,
	}
}

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.MaxStreamWindowSize = constants.YamuxMaxStreamWindowSize
	config.AcceptBacklog = constants.YamuxAcceptBacklog
	config.EnableKeepAlive = constants.YamuxEnableKeepAlive
	config.KeepAliveInterval = constants.YamuxKeepAliveInterval
	return config
}

// OpenStream opens a fresh stream to the backend owning the connection and
// writes the connect frame. The returned conn carries the raw
// display-protocol stream after the frame.
func (d *Dialer) OpenStream(conn *auth.Connection, info ClientInfo) (net.Conn, error) {
	addr := net.JoinHostPort(conn.Hostname, strconv.Itoa(conn.Port))

	stream, err := d.openStream(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", addr, err)
	}

	if err := writeConnectFrame(stream, conn, info); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to send connect frame to %s: %w", addr, err)
	}
	return stream, nil
}

// openStream reuses the cached link for addr when it is still alive,
// otherwise dials a new one. A dead cached link gets one retry on a fresh
// dial.
func (d *Dialer) openStream(addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if link, ok := d.links[addr]; ok && !link.IsClosed() {
		stream, err := link.OpenStream()
		if err == nil {
			return stream, nil
		}
		d.log.WithError(err).WithField("backend", addr).Debug("Cached backend link is dead, redialing")
		link.Close()
		delete(d.links, addr)
	}

	link, err := d.dial(addr)
	if err != nil {
		return nil, err
	}
	d.links[addr] = link

	return link.OpenStream()
}

func (d *Dialer) dial(addr string) (*yamux.Session, error) {
	tcpConn, err := net.DialTimeout("tcp", addr, constants.DialTimeout)
	if err != nil {
		return nil, err
	}

	link, err := yamux.Client(tcpConn, yamuxConfig())
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("failed to create yamux session: %w", err)
	}

	d.log.WithField("backend", addr).Info("Backend link established")
	return link, nil
}

func writeConnectFrame(stream net.Conn, conn *auth.Connection, info ClientInfo) error {
	if _, err := stream.Write([]byte{constants.StreamTypeProxy}); err != nil {
		return err
	}
	return json.NewEncoder(stream).Encode(connectFrame{
		ConnectionID: conn.Identifier,
		Protocol:     conn.Protocol,
		Params:       conn.Params,
		Client:       info,
	})
}

// Close shuts every backend link down.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, link := range d.links {
		if err := link.Close(); err != nil {
			d.log.WithError(err).WithField("backend", addr).Debug("Backend link close failed")
		}
		delete(d.links, addr)
	}
	return nil
}
