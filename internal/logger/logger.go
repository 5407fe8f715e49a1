package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup returns a JSON structured logger writing to w at the given level.
// Unknown level strings fall back to info.
func Setup(w io.Writer, level string) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}

// WithSession returns an entry tagged with the session's token prefix. Only
// the first 8 characters are logged so full tokens never land in log files.
func WithSession(log *logrus.Logger, token string) *logrus.Entry {
	if len(token) > 8 {
		token = token[:8]
	}
	return log.WithField("session", token)
}

// WithTunnel returns an entry tagged with a tunnel UUID.
func WithTunnel(log *logrus.Logger, uuid string) *logrus.Entry {
	return log.WithField("tunnel", uuid)
}
