package tunnel

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deskgate/internal/activity"
	"deskgate/internal/auth"
	"deskgate/internal/events"
	"deskgate/internal/logger"
	"deskgate/internal/session"
)

// Service builds connected tunnels for sessions: it authorizes the
// requested connection against the session's contexts, dials the backend,
// and wires lifecycle bookkeeping (session registration, history records,
// events) around the raw stream.
type Service struct {
	dialer     *Dialer
	store      activity.Store
	dispatcher *events.Dispatcher
	log        *logrus.Logger
}

func NewService(dialer *Dialer, store activity.Store, dispatcher *events.Dispatcher, log *logrus.Logger) *Service {
	return &Service{
		dialer:     dialer,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Connect resolves connectionID through the session's contexts, connects
// to its backend and registers the resulting tunnel with the session. The
// caller owns pumping data via the returned tunnel's Run.
func (s *Service) Connect(sess *session.Session, connectionID string, info ClientInfo, client net.Conn) (*StreamTunnel, error) {
	user := sess.AuthenticatedUser()

	conn, err := sess.UserContexts().Connection(connectionID)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"connection": connectionID,
			"username":   user.Identifier,
		}).Info("Requested connection does not exist for user")
		return nil, fmt.Errorf("requested connection is not authorized: %w", auth.ErrUnauthorized)
	}

	backend, err := s.dialer.OpenStream(conn, info)
	if err != nil {
		return nil, err
	}

	record := &activity.Record{
		ID:           uuid.New().String(),
		Username:     user.Identifier,
		ConnectionID: conn.Identifier,
		StartTime:    time.Now(),
	}
	if user.Credentials != nil {
		record.RemoteHost = user.Credentials.RemoteAddr
	}
	s.store.Save(record)

	var tunnel *StreamTunnel
	tunnel = NewStreamTunnel(client, backend, s.log, func() {
		sess.RemoveTunnel(tunnel.UUID())

		record.EndTime = time.Now()
		s.store.Save(record)

		s.dispatcher.Dispatch(events.TunnelCloseEvent{
			User:         user,
			TunnelUUID:   tunnel.UUID(),
			ConnectionID: conn.Identifier,
			Duration:     record.Duration(),
		})

		logger.WithTunnel(s.log, tunnel.UUID()).WithFields(logrus.Fields{
			"username":   user.Identifier,
			"connection": conn.Identifier,
			"duration":   record.Duration().Round(time.Millisecond),
		}).Info("User disconnected from connection")
	})

	sess.AddTunnel(tunnel)

	s.dispatcher.Dispatch(events.TunnelConnectEvent{
		User:         user,
		TunnelUUID:   tunnel.UUID(),
		ConnectionID: conn.Identifier,
	})

	logger.WithTunnel(s.log, tunnel.UUID()).WithFields(logrus.Fields{
		"username":   user.Identifier,
		"connection": conn.Identifier,
	}).Info("User connected to connection")

	return tunnel, nil
}

// Disconnect closes one tunnel by UUID. Closing one tunnel never affects
// the session's other tunnels or the session itself.
func (s *Service) Disconnect(sess *session.Session, tunnelUUID string) error {
	tunnel, ok := sess.Tunnel(tunnelUUID)
	if !ok {
		return fmt.Errorf("tunnel %q: %w", tunnelUUID, auth.ErrNotFound)
	}
	return tunnel.Close()
}
