package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"deskgate/internal/config"
	"deskgate/internal/constants"
	"deskgate/internal/metrics"
	"deskgate/internal/security"
	"deskgate/internal/session"
	"deskgate/internal/tunnel"
)

// Server is the HTTP surface of the gateway: the token REST API, the
// session resource endpoints and the WebSocket tunnel upgrade.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	auth      *session.AuthenticationService
	directory *session.Directory
	tunnels   *tunnel.Service

	gatherer prometheus.Gatherer

	connLimiter    *security.ConnectionLimiter
	loginLimiter   *security.LoginLimiter
	bruteProtector *security.BruteForceProtector
	audit          *security.AuditLogger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, log *logrus.Logger, auth *session.AuthenticationService, directory *session.Directory, tunnels *tunnel.Service, gatherer prometheus.Gatherer, audit *security.AuditLogger) *Server {
	return &Server{
		cfg:            cfg,
		log:            log,
		auth:           auth,
		directory:      directory,
		tunnels:        tunnels,
		gatherer:       gatherer,
		connLimiter:    security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		loginLimiter:   security.NewLoginLimiter(constants.DefaultLoginRate),
		bruteProtector: security.DefaultBruteForceProtector(),
		audit:          audit,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoveryMiddleware)
	r.Use(corsMiddleware)
	r.Use(security.SecurityHeaders)

	r.Route(constants.EndpointTokens, func(r chi.Router) {
		r.With(security.MaxBodySize(constants.MaxBodySize)).Post("/", s.handleLogin)
		r.Delete("/{token}", s.handleLogout)
	})

	r.Route(constants.EndpointSession, func(r chi.Router) {
		r.Use(s.withSession)
		r.Get("/connections", s.handleConnections)
		r.Get("/users", s.handleUsers)
		r.Get("/groups", s.handleGroups)
		r.Get("/history", s.handleHistory)
		r.Get("/tunnels", s.handleTunnels)
		r.Delete("/tunnels/{uuid}", s.handleTunnelDisconnect)
	})

	r.Get(constants.EndpointWebSocket, s.handleWebSocket)
	r.Method(http.MethodGet, constants.EndpointMetrics, metrics.Handler(s.gatherer))

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
// Without TLS the listener still speaks HTTP/2 over h2c.
func (s *Server) Run(ctx context.Context) error {
	handler := s.router()

	useTLS := false
	if s.cfg.EnableTLS {
		if _, err := os.Stat(s.cfg.CertFile); err == nil {
			if _, err := os.Stat(s.cfg.KeyFile); err == nil {
				useTLS = true
			}
		}
		if !useTLS {
			s.log.WithField("cert", s.cfg.CertFile).Warn("TLS enabled but certificates not found, falling back to plain HTTP")
		}
	}

	var h2Handler http.Handler
	if useTLS {
		h2Handler = handler
	} else {
		h2Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errChan := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			s.log.WithField("addr", s.cfg.ListenAddr()).Info("Gateway listening with TLS (HTTP/2)")
			err = s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			s.log.WithField("addr", s.cfg.ListenAddr()).Info("Gateway listening (HTTP/2 via h2c)")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
