package activity

import "time"

// Record describes one historical connection: who connected where, and for
// how long. EndTime stays zero while the connection is still open.
type Record struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	ConnectionID string    `json:"connection_id"`
	RemoteHost   string    `json:"remote_host"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
}

// Active reports whether the recorded connection is still open.
func (r *Record) Active() bool {
	return r.EndTime.IsZero()
}

// Duration returns how long the connection lasted, or the elapsed time so
// far if it is still open.
func (r *Record) Duration() time.Duration {
	if r.Active() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
