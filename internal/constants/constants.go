package constants

import "time"

const AppName = "deskgate"

// Network defaults
const (
	DefaultHost        = "" // empty binds all interfaces
	DefaultPort        = "8080"
	MinPort            = 1
	MaxPort            = 65535
	WSBufferSize       = 131072 // 128KB WebSocket buffer
	CopyBufferSize     = 262144 // 256KB for io.Copy operations
	DialTimeout        = 10 * time.Second
	WSHandshakeTimeout = 10 * time.Second
	MaxWSMessageSize   = 8 * 1024 * 1024
)

// Session settings
const (
	DefaultSessionTimeout = time.Hour // idle time before eviction
	MinSessionTimeout     = time.Minute
	SweepInterval         = time.Minute
	TokenLength           = 32 // random bytes per auth token
)

// Tunnel settings
const (
	DefaultTunnelMaxAge = 0 // 0 disables age-based tunnel eviction
	StreamTypeProxy     = byte(0x01)
	StreamTypeControl   = byte(0x02)
	WSCompression       = false
)

// Yamux settings for backend links
const (
	YamuxMaxStreamWindowSize = 4 * 1024 * 1024
	YamuxAcceptBacklog       = 512
	YamuxEnableKeepAlive     = true
	YamuxKeepAliveInterval   = 30 * time.Second
)

// Rate limiting and brute force protection
const (
	DefaultLoginRate    = 10 // login attempts per minute per IP
	MaxConnectionsPerIP = 10
	MaxAuthAttempts     = 5
	BlockDuration       = 15 * time.Minute
	MaxBodySize         = 1 * 1024 * 1024

	MaxAuditLogsPerMinute = 1000
)

// HTTP surface
const (
	TokenHeader     = "Deskgate-Token"
	TokenQueryParam = "token"

	EndpointTokens    = "/api/tokens"
	EndpointSession   = "/api/session"
	EndpointWebSocket = "/websocket-tunnel"
	EndpointMetrics   = "/metrics"
)

// Redis keys
const (
	RedisKeyPrefix = "deskgate:activity:"
)

// Messages
const (
	MsgInvalidJSON      = "Invalid JSON"
	MsgMethodNotAllowed = "Method not allowed"
	MsgUnauthorized     = "Unauthorized"
	MsgSessionNotFound  = "Session not found or expired"
	MsgTunnelNotFound   = "Tunnel not found"
	MsgTooManyAttempts  = "Too many failed attempts. Try again later."
)
