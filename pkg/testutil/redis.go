package testutil

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// FakeRedis is an in-memory stand-in for the go-redis commands the cache
// mirror issues: strings with TTLs and sets.
type FakeRedis struct {
	mu         sync.Mutex
	values     map[string]string
	ttls       map[string]time.Duration
	sets       map[string]map[string]bool
	failWrites bool
}

// NewFakeRedis creates an empty fake.
func NewFakeRedis() *FakeRedis {
	return &FakeRedis{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
		sets:   make(map[string]map[string]bool),
	}
}

// FailWrites makes SET return a read-only replica error.
func (f *FakeRedis) FailWrites(fail bool) {
	f.mu.Lock()
	f.failWrites = fail
	f.mu.Unlock()
}

// Value returns the string stored at key.
func (f *FakeRedis) Value(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

// TTL returns the expiration SET was called with for key.
func (f *FakeRedis) TTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

// Expire drops the string at key as if its TTL had passed. Set memberships
// are kept.
func (f *FakeRedis) Expire(key string) {
	f.mu.Lock()
	delete(f.values, key)
	f.mu.Unlock()
}

// Members returns the sorted members of the set at key.
func (f *FakeRedis) Members(key string) []string {
	return f.SMembers(context.Background(), key).Val()
}

// Len returns the number of string and set keys held.
func (f *FakeRedis) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values) + len(f.sets)
}

func (f *FakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *FakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return redis.NewStatusResult("", stderrors.New("READONLY You can't write against a read only replica"))
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *FakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.values[k]; ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, nil)
}

func (f *FakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *FakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *FakeRedis) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *FakeRedis) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}
