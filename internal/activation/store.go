package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps instances in process.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]map[string]Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]map[string]Instance)}
}

func (m *MemoryStore) Instances(_ context.Context, deviceID string, now time.Time) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Instance
	for id, in := range m.byID[deviceID] {
		if !in.ExpiresAt.After(now) {
			delete(m.byID[deviceID], id)
			continue
		}
		out = append(out, in)
	}
	sortByExpiry(out)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, inst Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[inst.DeviceID] == nil {
		m.byID[inst.DeviceID] = make(map[string]Instance)
	}
	m.byID[inst.DeviceID][inst.ID] = inst
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, deviceID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID[deviceID], id)
	return nil
}

func sortByExpiry(in []Instance) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].ExpiresAt.Equal(in[j].ExpiresAt) {
			return in[i].ID < in[j].ID
		}
		return in[i].ExpiresAt.Before(in[j].ExpiresAt)
	})
}

// RedisStore keeps a sorted set of instance ids per device scored by expiry,
// plus one JSON value per instance that expires with it.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "replikanto"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) setKey(device string) string { return s.prefix + ":act:" + device }
func (s *RedisStore) instKey(device, id string) string {
	return s.prefix + ":act:" + device + ":" + id
}

func (s *RedisStore) Instances(ctx context.Context, deviceID string, now time.Time) ([]Instance, error) {
	set := s.setKey(deviceID)
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	if err := s.rdb.ZRemRangeByScore(ctx, set, "-inf", cutoff).Err(); err != nil {
		return nil, fmt.Errorf("prune instances of %s: %w", deviceID, err)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", deviceID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.instKey(deviceID, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load instances of %s: %w", deviceID, err)
	}

	out := make([]Instance, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var in Instance
		if err := json.Unmarshal([]byte(str), &in); err != nil {
			continue
		}
		out = append(out, in)
	}
	sortByExpiry(out)
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, inst Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.instKey(inst.DeviceID, inst.ID)
		pipe.Set(ctx, key, data, 0)
		pipe.ExpireAt(ctx, key, inst.ExpiresAt)
		pipe.ZAdd(ctx, s.setKey(inst.DeviceID), redis.Z{Score: float64(inst.ExpiresAt.UnixMilli()), Member: inst.ID})
		pipe.ExpireAt(ctx, s.setKey(inst.DeviceID), inst.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, deviceID, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.setKey(deviceID), id)
		pipe.Del(ctx, s.instKey(deviceID, id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}
