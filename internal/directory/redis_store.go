package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConnectionStore keeps endpoints in Redis: one hash per endpoint plus
// a handle set per subscriber and per device.
type RedisConnectionStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisConnectionStore creates a store whose keys start with prefix.
func NewRedisConnectionStore(rdb redis.UniversalClient, prefix string) *RedisConnectionStore {
	if prefix == "" {
		prefix = "replikanto"
	}
	return &RedisConnectionStore{rdb: rdb, prefix: prefix}
}

func (s *RedisConnectionStore) epKey(handle string) string { return s.prefix + ":ep:" + handle }
func (s *RedisConnectionStore) subKey(sub string) string { return s.prefix + ":sub:" + sub }
func (s *RedisConnectionStore) devKey(device string) string { return s.prefix + ":dev:" + device }

func (s *RedisConnectionStore) Put(ctx context.Context, ep Endpoint) error {
	prev, err := s.Get(ctx, ep.Handle)
	if err != nil && !errors.Is(err, ErrEndpointNotFound) {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev.Handle != "" {
			if prev.SubscriberID != ep.SubscriberID {
				pipe.SRem(ctx, s.subKey(prev.SubscriberID), ep.Handle)
			}
			if prev.DeviceID != ep.DeviceID {
				pipe.SRem(ctx, s.devKey(prev.DeviceID), ep.Handle)
			}
		}
		pipe.HSet(ctx, s.epKey(ep.Handle), encodeEndpoint(ep))
		pipe.SAdd(ctx, s.subKey(ep.SubscriberID), ep.Handle)
		pipe.SAdd(ctx, s.devKey(ep.DeviceID), ep.Handle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put endpoint %s: %w", ep.Handle, err)
	}
	return nil
}

func (s *RedisConnectionStore) Delete(ctx context.Context, handle string) (Endpoint, error) {
	ep, err := s.Get(ctx, handle)
	if err != nil {
		return Endpoint{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.epKey(handle))
		pipe.SRem(ctx, s.subKey(ep.SubscriberID), handle)
		pipe.SRem(ctx, s.devKey(ep.DeviceID), handle)
		return nil
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("delete endpoint %s: %w", handle, err)
	}
	return ep, nil
}

func (s *RedisConnectionStore) Get(ctx context.Context, handle string) (Endpoint, error) {
	vals, err := s.rdb.HGetAll(ctx, s.epKey(handle)).Result()
	if err != nil {
		return Endpoint{}, err
	}
	if len(vals) == 0 {
		return Endpoint{}, ErrEndpointNotFound
	}
	return decodeEndpoint(vals), nil
}

func (s *RedisConnectionStore) BySubscriber(ctx context.Context, subscriberID string) ([]Endpoint, error) {
	return s.members(ctx, s.subKey(subscriberID))
}

func (s *RedisConnectionStore) ByDevice(ctx context.Context, deviceID string) ([]Endpoint, error) {
	return s.members(ctx, s.devKey(deviceID))
}

// members loads every endpoint in an index set and prunes handles whose
// hash is gone.
func (s *RedisConnectionStore) members(ctx context.Context, setKey string) ([]Endpoint, error) {
	handles, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(handles))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range handles {
			cmds[i] = pipe.HGetAll(ctx, s.epKey(h))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		out   []Endpoint
		stale []any
	)
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			stale = append(stale, handles[i])
			continue
		}
		out = append(out, decodeEndpoint(vals))
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, setKey, stale...).Err()
	}
	sortEndpoints(out)
	return out, nil
}

func (s *RedisConnectionStore) Repoint(ctx context.Context, deviceID, subscriberID string) ([]Endpoint, error) {
	eps, err := s.ByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ep := range eps {
			pipe.HSet(ctx, s.epKey(ep.Handle), "subscriber_id", subscriberID)
			pipe.SRem(ctx, s.subKey(ep.SubscriberID), ep.Handle)
			pipe.SAdd(ctx, s.subKey(subscriberID), ep.Handle)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repoint %s: %w", deviceID, err)
	}
	for i := range eps {
		eps[i].SubscriberID = subscriberID
	}
	return eps, nil
}

func encodeEndpoint(ep Endpoint) map[string]any {
	return map[string]any{
		"handle":           ep.Handle,
		"region":           ep.Region,
		"protocol_version": ep.ProtocolVersion,
		"device_id":        ep.DeviceID,
		"subscriber_id":    ep.SubscriberID,
		"license":          ep.License,
		"created_at":       strconv.FormatInt(ep.CreatedAt.UnixMilli(), 10),
	}
}

func decodeEndpoint(vals map[string]string) Endpoint {
	ms, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return Endpoint{
		Handle:          vals["handle"],
		Region:          vals["region"],
		ProtocolVersion: vals["protocol_version"],
		DeviceID:        vals["device_id"],
		SubscriberID:    vals["subscriber_id"],
		License:         vals["license"],
		CreatedAt:       time.UnixMilli(ms).UTC(),
	}
}
