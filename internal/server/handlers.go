package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"deskgate/internal/auth"
	"deskgate/internal/constants"
	"deskgate/internal/logger"
	"deskgate/internal/security"
	"deskgate/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    constants.WSBufferSize,
	WriteBufferSize:   constants.WSBufferSize,
	HandshakeTimeout:  constants.WSHandshakeTimeout,
	EnableCompression: constants.WSCompression,
	CheckOrigin: func(r *http.Request) bool {
		return security.ValidateOrigin(r, nil)
	},
}

type loginRequest struct {
	Username string            `json:"username"`
	Password string            `json:"password"`
	Params   map[string]string `json:"params,omitempty"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// handleLogin exchanges credentials for an auth token. When the request
// already carries a token for a live session, that session is
// re-authenticated instead of creating a second one.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := security.GetClientIP(r)

	if !s.loginLimiter.Allow(ip) {
		s.audit.LogRateLimit(ip)
		writeError(w, http.StatusTooManyRequests, constants.MsgTooManyAttempts)
		return
	}
	if !s.bruteProtector.Check(ip) {
		s.audit.LogBruteForce(ip, constants.MaxAuthAttempts)
		writeError(w, http.StatusTooManyRequests, constants.MsgTooManyAttempts)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidJSON)
		return
	}

	creds := &auth.Credentials{
		Username:   req.Username,
		Password:   req.Password,
		RemoteAddr: ip,
		Params:     req.Params,
	}

	token, err := s.auth.Authenticate(creds, tokenFromRequest(r))
	if err != nil {
		s.bruteProtector.RecordFailure(ip)
		writeAuthError(w, err)
		return
	}
	s.bruteProtector.RecordSuccess(ip)

	sess, ok := s.directory.Get(token)
	if !ok {
		writeError(w, http.StatusInternalServerError, constants.MsgSessionNotFound)
		return
	}

	logger.WithSession(s.log, token).
		WithField("username", sess.AuthenticatedUser().Identifier).
		Info("Authentication token issued")

	writeJSON(w, http.StatusOK, loginResponse{
		Token:    token,
		Username: sess.AuthenticatedUser().Identifier,
	})
}

// handleLogout destroys the session named by the path token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.auth.Logout(token); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess.UserContexts().Connections())
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess.UserContexts().Users())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess.UserContexts().Groups())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, sess.UserContexts().History())
}

type tunnelInfo struct {
	UUID    string    `json:"uuid"`
	Created time.Time `json:"created"`
	Open    bool      `json:"open"`
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	tunnels := []tunnelInfo{}
	for id, t := range sess.Tunnels() {
		tunnels = append(tunnels, tunnelInfo{
			UUID:    id,
			Created: t.CreationTime(),
			Open:    t.IsOpen(),
		})
	}
	writeJSON(w, http.StatusOK, tunnels)
}

// handleTunnelDisconnect closes one of the session's tunnels. The session
// itself and any other tunnels stay untouched.
func (s *Server) handleTunnelDisconnect(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	id := chi.URLParam(r, "uuid")
	if !security.ValidateUUID(id) {
		writeError(w, http.StatusBadRequest, constants.MsgTunnelNotFound)
		return
	}

	if err := s.tunnels.Disconnect(sess, id); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket upgrades the request and pumps a tunnel to the backend
// named by the connection query parameter until either side disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := security.GetClientIP(r)

	sess, ok := s.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, constants.MsgSessionNotFound)
		return
	}

	connectionID := r.URL.Query().Get("connection")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "Missing connection parameter")
		return
	}

	if !s.connLimiter.TryConnect(ip) {
		s.audit.LogConnectionLimit(ip)
		writeError(w, http.StatusTooManyRequests, "Connection limit exceeded")
		return
	}
	defer s.connLimiter.Disconnect(ip)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	info := clientInfoFromQuery(r)
	t, err := s.tunnels.Connect(sess, connectionID, info, tunnel.NewWSConn(ws))
	if err != nil {
		s.log.WithError(err).WithField("connection", connectionID).Info("Tunnel connect failed")
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	if err := t.Run(); err != nil {
		logger.WithTunnel(s.log, t.UUID()).WithError(err).Debug("Tunnel ended with error")
	}
}

func clientInfoFromQuery(r *http.Request) tunnel.ClientInfo {
	q := r.URL.Query()
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return tunnel.ClientInfo{
		Width:          atoi(q.Get("width")),
		Height:         atoi(q.Get("height")),
		DPI:            atoi(q.Get("dpi")),
		AudioMimetypes: q["audio"],
		VideoMimetypes: q["video"],
		ImageMimetypes: q["image"],
	}
}
