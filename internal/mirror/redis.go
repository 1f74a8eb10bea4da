// Package mirror keeps a Redis copy of every confirmed entity so a new
// process can start from the last state the backend returned.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/reqdesk/reqdesk/internal/config"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/store"
)

// Commands is the subset of the go-redis API the mirror uses.
type Commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// NewClient creates a go-redis client from cfg.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Redis mirrors confirmed entities under <prefix>:<kind>:<id>. A set at
// <prefix>:<kind> indexes the ids of each kind.
type Redis struct {
	rdb    Commands
	prefix string
	ttl    time.Duration
	log    *logging.Logger
}

// New creates a mirror. A zero ttl keeps keys forever.
func New(rdb Commands, prefix string, ttl time.Duration, log *logging.Logger) *Redis {
	if prefix == "" {
		prefix = "reqdesk"
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, log: log.Named("mirror")}
}

// Key returns the key holding one entity.
func (m *Redis) Key(kind domain.Kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", m.prefix, kind, id)
}

func (m *Redis) indexKey(kind domain.Kind) string {
	return fmt.Sprintf("%s:%s", m.prefix, kind)
}

// Ping checks the connection.
func (m *Redis) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// OnChange implements store.Observer. Errors are logged; the cache itself
// has already been updated.
func (m *Redis) OnChange(ctx context.Context, change store.Change) {
	var err error
	if change.After != nil {
		err = m.Put(ctx, change.After)
	} else {
		err = m.Remove(ctx, change.Kind, change.ID)
	}
	if err != nil {
		m.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"kind":   change.Kind,
			"id":     change.ID,
			"action": change.Action,
		}).Warn("Failed to mirror change")
	}
}

// Put writes entity.
func (m *Redis) Put(ctx context.Context, entity domain.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", entity.Kind(), entity.GetID(), err)
	}
	if err := m.rdb.Set(ctx, m.Key(entity.Kind(), entity.GetID()), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", entity.GetID(), err)
	}
	if err := m.rdb.SAdd(ctx, m.indexKey(entity.Kind()), entity.GetID()).Err(); err != nil {
		return fmt.Errorf("index %s: %w", entity.GetID(), err)
	}
	return nil
}

// Remove deletes one entity.
func (m *Redis) Remove(ctx context.Context, kind domain.Kind, id string) error {
	if err := m.rdb.Del(ctx, m.Key(kind, id)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", id, err)
	}
	if err := m.rdb.SRem(ctx, m.indexKey(kind), id).Err(); err != nil {
		return fmt.Errorf("unindex %s: %w", id, err)
	}
	return nil
}

// Load implements store.Loader. Index entries whose key has expired are
// dropped from the index.
func (m *Redis) Load(ctx context.Context, kind domain.Kind) ([][]byte, error) {
	ids, err := m.rdb.SMembers(ctx, m.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.Key(kind, id)
	}
	values, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", kind, err)
	}

	out := make([][]byte, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, []byte(s))
	}
	if len(stale) > 0 {
		if err := m.rdb.SRem(ctx, m.indexKey(kind), stale...).Err(); err != nil {
			m.log.WithContext(ctx).WithError(err).WithField("kind", kind).Debug("Failed to prune mirror index")
		}
	}
	return out, nil
}

// Clear removes every mirrored entity.
func (m *Redis) Clear(ctx context.Context) error {
	var errs []string
	for _, kind := range domain.Kinds() {
		ids, err := m.rdb.SMembers(ctx, m.indexKey(kind)).Result()
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		keys := []string{m.indexKey(kind)}
		for _, id := range ids {
			keys = append(keys, m.Key(kind, id))
		}
		if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear mirror: %s", strings.Join(errs, "; "))
	}
	return nil
}
