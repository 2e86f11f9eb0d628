package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/mbd888/replikanto/internal/circuitbreaker"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
)

const DefaultTelegramURL = "https://api.telegram.org"

// TelegramConfig configures the bot.
type TelegramConfig struct {
	BaseURL     string
	Token       string
	AdminChatID int64
	// Rate is messages per second. Telegram allows about one per second per
	// chat.
	Rate  float64
	Burst int
}

// Telegram posts messages to a bot chat. It is a Notifier on its own and can
// also drain a Redis channel fed by RedisNotifier.
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewTelegram(cfg TelegramConfig, logger *slog.Logger) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		breaker: circuitbreaker.New(circuitbreaker.Config{Threshold: 3, Cooldown: time.Minute}),
		logger:  logger,
	}
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Publish sends msg as "*subject* - text" in markdown.
func (t *Telegram) Publish(ctx context.Context, msg Message) error {
	chat := msg.ChatID
	if chat == 0 {
		chat = t.cfg.AdminChatID
	}
	if chat == 0 {
		return errors.New("telegram: no chat id")
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(sendMessage{
		ChatID:    strconv.FormatInt(chat, 10),
		Text:      fmt.Sprintf("*%s* - %s", msg.Subject, msg.Text),
		ParseMode: "markdown",
	})
	if err != nil {
		return err
	}

	err = t.breaker.Do(ctx, "telegram", func(ctx context.Context) error {
		return t.post(ctx, body)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("telegram", "error").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("telegram", "ok").Inc()
	return nil
}

func (t *Telegram) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/bot"+t.cfg.Token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// Forward relays messages published on channel until ctx is done.
func (t *Telegram) Forward(ctx context.Context, rdb redis.UniversalClient, channel string) {
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	t.logger.Info("forwarding notifications to telegram", "channel", channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warn("dropping malformed notification", "error", err)
				continue
			}
			if err := t.Publish(ctx, msg); err != nil {
				t.logger.Warn("telegram notification failed", "subject", msg.Subject, "error", err)
			}
		}
	}
}
