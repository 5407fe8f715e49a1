package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"deskgate/internal/auth"
	"deskgate/internal/constants"
	"deskgate/internal/events"
)

type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	IP         string    `json:"ip,omitempty"`
	Username   string    `json:"username,omitempty"`
	TunnelUUID string    `json:"tunnel_uuid,omitempty"`
	Details    string    `json:"details"`
	Severity   string    `json:"severity"`
}

// AuditLogger appends security-relevant events to a daily JSON log file.
// Writes are rate capped so a flood of failures cannot fill the disk.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	enc         *json.Encoder
	logCount    map[string]int
	windowStart time.Time
}

// NewAuditLogger opens today's audit log under dir, or the platform
// default log directory when dir is empty.
func NewAuditLogger(dir string) (*AuditLogger, error) {
	if dir == "" {
		var err error
		dir, err = defaultAuditDir()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		file:        file,
		enc:         json.NewEncoder(file),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
	}, nil
}

func defaultAuditDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "audit"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName, "audit"), nil
	default:
		return filepath.Join(home, ".local", "share", constants.AppName, "audit"), nil
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()

	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}

	if totalLogs >= constants.MaxAuditLogsPerMinute {
		return
	}

	al.logCount[event.EventType]++
	event.Timestamp = now
	al.enc.Encode(event)
}

func principal(user *auth.AuthenticatedUser) (username, ip string) {
	if user == nil {
		return "", ""
	}
	if user.Credentials != nil {
		ip = user.Credentials.RemoteAddr
	}
	return user.Identifier, ip
}

// Listener returns an adapter that records lifecycle events to the audit
// trail. It never vetoes.
func (al *AuditLogger) Listener() events.Listener {
	return events.ListenerFunc(func(e events.Event) error {
		switch ev := e.(type) {
		case events.AuthenticationSuccessEvent:
			username, ip := principal(ev.User)
			al.Log(AuditEvent{
				EventType: e.Type(),
				Username:  username,
				IP:        ip,
				Details:   "Authentication successful",
				Severity:  "info",
			})
		case events.AuthenticationFailureEvent:
			al.Log(AuditEvent{
				EventType: e.Type(),
				Username:  ev.Credentials.Username,
				IP:        ev.Credentials.RemoteAddr,
				Details:   ev.Err.Error(),
				Severity:  "warning",
			})
		case events.SessionStartedEvent:
			username, ip := principal(ev.User)
			al.Log(AuditEvent{
				EventType: e.Type(),
				Username:  username,
				IP:        ip,
				Details:   "Session created",
				Severity:  "info",
			})
		case events.SessionInvalidatedEvent:
			username, _ := principal(ev.User)
			al.Log(AuditEvent{
				EventType: e.Type(),
				Username:  username,
				Details:   "Session invalidated",
				Severity:  "info",
			})
		case events.TunnelConnectEvent:
			username, _ := principal(ev.User)
			al.Log(AuditEvent{
				EventType:  e.Type(),
				Username:   username,
				TunnelUUID: ev.TunnelUUID,
				Details:    fmt.Sprintf("Tunnel opened to connection %s", ev.ConnectionID),
				Severity:   "info",
			})
		case events.TunnelCloseEvent:
			username, _ := principal(ev.User)
			al.Log(AuditEvent{
				EventType:  e.Type(),
				Username:   username,
				TunnelUUID: ev.TunnelUUID,
				Details:    fmt.Sprintf("Tunnel closed after %v", ev.Duration.Round(time.Millisecond)),
				Severity:   "info",
			})
		}
		return nil
	})
}

func (al *AuditLogger) LogRateLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		Details:   "Rate limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogBruteForce(ip string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		Details:   fmt.Sprintf("Multiple failed attempts: %d", attempts),
		Severity:  "critical",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file != nil {
		return al.file.Close()
	}
	return nil
}
