package activity

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"deskgate/internal/config"
	"deskgate/internal/constants"
)

// RedisStore persists records in Redis so history survives gateway restarts
// and can be shared by multiple gateway instances.
type RedisStore struct {
	client *redis.Client
	log    *logrus.Logger
	ctx    context.Context
	cancel func()
}

func NewRedisStore(cfg config.RedisConfig, log *logrus.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       0,
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())

	store := &RedisStore{
		client: client,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := store.client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	return store, nil
}

func (st *RedisStore) Save(record *Record) {
	jsonData, err := json.Marshal(record)
	if err != nil {
		st.log.WithError(err).Error("Failed to marshal activity record")
		return
	}

	key := constants.RedisKeyPrefix + record.ID
	if err := st.client.Set(st.ctx, key, jsonData, RecordTTL).Err(); err != nil {
		st.log.WithError(err).Error("Failed to save activity record to Redis")
	}
}

func (st *RedisStore) Get(id string) (*Record, bool) {
	key := constants.RedisKeyPrefix + id

	data, err := st.client.Get(st.ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		st.log.WithError(err).Error("Failed to get activity record from Redis")
		return nil, false
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		st.log.WithError(err).Error("Failed to unmarshal activity record")
		return nil, false
	}
	return &record, true
}

func (st *RedisStore) ByUser(username string) []*Record {
	var result []*Record
	for _, r := range st.scan() {
		if r.Username == username {
			result = append(result, r)
		}
	}
	return result
}

func (st *RedisStore) Recent(limit int) []*Record {
	all := st.scan()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// scan walks all stored records and returns them newest-first.
func (st *RedisStore) scan() []*Record {
	pattern := constants.RedisKeyPrefix + "*"
	iter := st.client.Scan(st.ctx, 0, pattern, 100).Iterator()

	var all []*Record
	for iter.Next(st.ctx) {
		data, err := st.client.Get(st.ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		all = append(all, &record)
	}
	if err := iter.Err(); err != nil {
		st.log.WithError(err).Error("Redis scan error")
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})
	return all
}

func (st *RedisStore) Close() error {
	st.cancel()
	return st.client.Close()
}
