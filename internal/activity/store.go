package activity

import (
	"time"

	"github.com/sirupsen/logrus"

	"deskgate/internal/config"
)

// Retention settings for stored records.
const (
	RecordTTL       = 30 * 24 * time.Hour
	CleanupInterval = time.Hour
	MaxRecords      = 10000
)

// Store persists connection history records.
type Store interface {
	Save(record *Record)
	Get(id string) (*Record, bool)
	ByUser(username string) []*Record
	Recent(limit int) []*Record
	Close() error
}

// NewStore selects a Redis-backed store when a Redis host is configured,
// falling back to the in-memory store if the connection fails.
func NewStore(cfg config.RedisConfig, log *logrus.Logger) Store {
	if cfg.Host != "" {
		store, err := NewRedisStore(cfg, log)
		if err != nil {
			log.WithError(err).Warn("Redis connection failed, falling back to in-memory activity store")
			return NewMemoryStore()
		}
		log.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port}).Info("Using Redis activity store")
		return store
	}

	log.Info("Using in-memory activity store")
	return NewMemoryStore()
}
