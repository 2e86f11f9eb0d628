package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/replikanto/internal/logging"
)

// Channel is the Postgres notification channel fired by the positions
// trigger. The payload is the list id.
const Channel = "broadcast_positions"

// Source reports lists whose positions changed.
type Source interface {
	// Listen sends list ids to out until ctx is done.
	Listen(ctx context.Context, out chan<- string) error
}

// PQSource listens for Postgres notifications.
type PQSource struct {
	dsn    string
	logger *slog.Logger
}

func NewPQSource(dsn string, logger *slog.Logger) *PQSource {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PQSource{dsn: dsn, logger: logger}
}

func (s *PQSource) Listen(ctx context.Context, out chan<- string) error {
	l := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("position listener event", "event", int(ev), "error", err)
		}
	})
	defer l.Close()

	if err := l.Listen(Channel); err != nil {
		return err
	}
	s.logger.Info("listening for position changes", "channel", Channel)

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			// nil after a reconnect; changes made while disconnected are
			// picked up on the next notification for that list.
			if n == nil {
				continue
			}
			select {
			case out <- n.Extra:
			case <-ctx.Done():
				return nil
			}
		case <-ping.C:
			go func() { _ = l.Ping() }()
		}
	}
}

// ChanSource is fed in process, for deployments without Postgres.
type ChanSource struct {
	ch chan string
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan string, buffer)}
}

// Notify reports a change to listID.
func (s *ChanSource) Notify(ctx context.Context, listID string) error {
	select {
	case s.ch <- listID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChanSource) Listen(ctx context.Context, out chan<- string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.ch:
			select {
			case out <- id:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
