package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/replikanto/internal/directory"
)

// RedisLog stores each record as JSON under prefix:tr:<subscriber>, indexes
// it by old handle, and queues lost payloads on a list. Every key carries the
// TTL.
type RedisLog struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisLog creates a log whose keys start with prefix.
func NewRedisLog(rdb redis.UniversalClient, prefix string, opts Options) *RedisLog {
	if prefix == "" {
		prefix = "replikanto"
	}
	return &RedisLog{rdb: rdb, prefix: prefix, opts: opts.withDefaults()}
}

func (l *RedisLog) recKey(sub string) string { return l.prefix + ":tr:" + sub }
func (l *RedisLog) oldKey(handle string) string { return l.prefix + ":tr:old:" + handle }
func (l *RedisLog) lostKey(sub string) string { return l.prefix + ":tr:lost:" + sub }

func (l *RedisLog) Open(ctx context.Context, subscriberID, deviceID string, old directory.EndpointRef) error {
	rec := Record{
		SubscriberID: subscriberID,
		DeviceID:     deviceID,
		Old:          old,
		OpenedAt:     l.opts.Clock.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	// The lost list outlives a reopen so payloads queued while the
	// subscriber bounced between endpoints are still replayed.
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.recKey(subscriberID), data, l.opts.TTL)
		pipe.Set(ctx, l.oldKey(old.Handle), subscriberID, l.opts.TTL)
		pipe.Expire(ctx, l.lostKey(subscriberID), l.opts.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("open transition for %s: %w", subscriberID, err)
	}
	return nil
}

func (l *RedisLog) Complete(ctx context.Context, subscriberID string, next directory.EndpointRef) ([][]byte, error) {
	recKey, lostKey := l.recKey(subscriberID), l.lostKey(subscriberID)

	var lost [][]byte
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := l.load(ctx, tx, subscriberID)
		if err != nil {
			return err
		}
		now := l.opts.Clock.Now().UTC()
		if rec == nil || !rec.IsOpen() || !l.opts.live(*rec, now) {
			return nil
		}

		raw, err := tx.LRange(ctx, lostKey, 0, -1).Result()
		if err != nil {
			return err
		}

		rec.New = next
		rec.CompletedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recKey, data, redis.KeepTTL)
			pipe.Del(ctx, lostKey)
			return nil
		}); err != nil {
			return err
		}

		lost = make([][]byte, len(raw))
		for i, s := range raw {
			lost[i] = []byte(s)
		}
		return nil
	}, recKey, lostKey)
	if err != nil {
		return nil, fmt.Errorf("complete transition for %s: %w", subscriberID, err)
	}
	return lost, nil
}

func (l *RedisLog) Lookup(ctx context.Context, oldHandle string) (Record, bool, error) {
	sub, err := l.rdb.Get(ctx, l.oldKey(oldHandle)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	rec, err := l.load(ctx, l.rdb, sub)
	if err != nil {
		return Record{}, false, err
	}
	if rec == nil || rec.Old.Handle != oldHandle || !l.opts.inWindow(*rec, l.opts.Clock.Now()) {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

func (l *RedisLog) AppendLost(ctx context.Context, subscriberID string, payload []byte) error {
	recKey := l.recKey(subscriberID)
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := l.load(ctx, tx, subscriberID)
		if err != nil {
			return err
		}
		if rec == nil || !rec.IsOpen() || !l.opts.live(*rec, l.opts.Clock.Now()) {
			return ErrNotOpen
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, l.lostKey(subscriberID), payload)
			pipe.Expire(ctx, l.lostKey(subscriberID), l.opts.TTL)
			return nil
		})
		return err
	}, recKey)
	if errors.Is(err, ErrNotOpen) {
		return err
	}
	if err != nil {
		return fmt.Errorf("append lost payload for %s: %w", subscriberID, err)
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads a record. A missing key is (nil, nil).
func (l *RedisLog) load(ctx context.Context, c getter, sub string) (*Record, error) {
	data, err := c.Get(ctx, l.recKey(sub)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode transition for %s: %w", sub, err)
	}
	return &rec, nil
}
