// Package notify delivers operator notifications: position summaries for
// lists with a chat target and administrative alerts. Publishing is best
// effort; callers never fail a request because a notification was lost.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

// Message is one notification. A zero ChatID means the admin chat.
type Message struct {
	Subject string `json:"subject"`
	Text    string `json:"msg"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// Notifier publishes messages.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log. Used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(_ context.Context, msg Message) error {
	n.logger.Info("notification", "subject", msg.Subject, "chat_id", msg.ChatID, "msg", msg.Text)
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// RedisNotifier publishes JSON messages on a Redis channel for a forwarder
// to pick up.
type RedisNotifier struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisNotifier(rdb redis.UniversalClient, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		metrics.NotificationsTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues("redis", "ok").Inc()
	return nil
}
