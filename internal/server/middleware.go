package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"deskgate/internal/auth"
	"deskgate/internal/constants"
	"deskgate/internal/session"
)

type contextKey string

const sessionKey contextKey = "session"

// tokenFromRequest extracts the auth token from the request header, falling
// back to the query string for clients that cannot set headers (WebSocket
// from a browser).
func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(constants.TokenHeader); token != "" {
		return token
	}
	return r.URL.Query().Get(constants.TokenQueryParam)
}

// withSession resolves the request token to a live session and stores it in
// the request context. Requests with no valid token are rejected.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.session(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, constants.MsgSessionNotFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

// session looks up the request's session directly, for handlers outside the
// middleware chain.
func (s *Server) session(r *http.Request) (*session.Session, bool) {
	token := tokenFromRequest(r)
	if token == "" {
		return nil, false
	}
	return s.directory.Get(token)
}

func sessionFromContext(ctx context.Context) *session.Session {
	return ctx.Value(sessionKey).(*session.Session)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS, Upgrade")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+constants.TokenHeader+", Upgrade")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithField("panic", rec).Errorf("Panic recovered: %s", debug.Stack())
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAuthError maps the failure taxonomy onto HTTP status codes. Lookup
// failures, credential failures and vetoes all carry distinct codes.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrVetoed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInsufficientCredentials):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
