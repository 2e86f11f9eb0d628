// Package ingest turns position changes on broadcast lists into
// position_info fan-outs to every follower and an optional chat summary.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/fanout"
	"github.com/mbd888/replikanto/internal/logging"
	"github.com/mbd888/replikanto/internal/metrics"
	"github.com/mbd888/replikanto/internal/notify"
	"github.com/mbd888/replikanto/internal/traces"
)

const (
	ActionPositionInfo = "position_info"
	SummarySubject     = "Replikanto Broadcast Position(s)"
	noPositions        = "No information about positions"
	lastUpdateLayout   = "1/2/2006, 3:04:05 PM"
)

// StateBroadcaster fans a payload out to every follower of a list.
type StateBroadcaster interface {
	BroadcastState(ctx context.Context, l *directory.List, payload []byte) (fanout.Result, error)
}

// Position is the wire form of one instrument's position.
type Position struct {
	Quantity       float64   `json:"quantity"`
	MarketPosition string    `json:"market_position"`
	AveragePrice   float64   `json:"average_price"`
	LastUpdate     time.Time `json:"last_update"`
}

// PositionInfo is the position_info payload.
type PositionInfo struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Positions map[string]Position `json:"positions"`
}

// Ingester consumes a Source.
type Ingester struct {
	source   Source
	dir      *directory.Directory
	bcast    StateBroadcaster
	notifier notify.Notifier
	logger   *slog.Logger
}

func New(source Source, dir *directory.Directory, bcast StateBroadcaster, notifier notify.Notifier, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ingester{source: source, dir: dir, bcast: bcast, notifier: notifier, logger: logger}
}

// Run processes notifications until ctx is done. Notifications that pile up
// while a batch is being processed are coalesced per list, since only the
// latest positions matter.
func (i *Ingester) Run(ctx context.Context) error {
	ids := make(chan string, 256)
	errc := make(chan error, 1)
	go func() { errc <- i.source.Listen(ctx, ids) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("position source: %w", err)
			}
			return nil
		case id := <-ids:
			batch := []string{id}
			seen := map[string]bool{id: true}
		drain:
			for {
				select {
				case more := <-ids:
					if !seen[more] {
						seen[more] = true
						batch = append(batch, more)
					} else {
						metrics.IngestEventsTotal.WithLabelValues("coalesced").Inc()
					}
				default:
					break drain
				}
			}
			for _, listID := range batch {
				if err := i.Process(ctx, listID); err != nil {
					i.logger.Error("position broadcast failed", "broadcast_list_id", listID, "error", err)
				}
			}
		}
	}
}

// Process broadcasts the current positions of one list.
func (i *Ingester) Process(ctx context.Context, listID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "ingest.position_info", traces.ListID(listID))
	defer func() { traces.End(span, err) }()

	l, err := i.dir.List(ctx, listID)
	if errors.Is(err, directory.ErrListNotFound) {
		metrics.IngestEventsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("error").Inc()
		return err
	}

	payload, err := delivery.Encode(ActionPositionInfo, NewPositionInfo(l))
	if err != nil {
		return err
	}
	res, err := i.bcast.BroadcastState(ctx, l, payload)
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.IngestEventsTotal.WithLabelValues("broadcast").Inc()
	i.logger.Info("positions broadcast", "broadcast_list_id", l.ID, "connections", res.Endpoints, "chunks", res.Chunks)

	if l.ChatID != 0 && i.notifier != nil {
		msg := notify.Message{Subject: SummarySubject, Text: Summary(l), ChatID: l.ChatID}
		if err := i.notifier.Publish(ctx, msg); err != nil {
			i.logger.Warn("position summary not published", "broadcast_list_id", l.ID, "error", err)
		}
	}
	return nil
}

// NewPositionInfo builds the payload of a list.
func NewPositionInfo(l *directory.List) PositionInfo {
	info := PositionInfo{ID: l.ID, Name: l.Name, Positions: make(map[string]Position, len(l.Positions))}
	for _, p := range l.Positions {
		info.Positions[p.Instrument] = Position{
			Quantity:       p.Quantity,
			MarketPosition: p.MarketPosition,
			AveragePrice:   p.AveragePrice,
			LastUpdate:     p.UpdatedAt,
		}
	}
	return info
}

// Summary renders the chat text for a list's positions. Times are shown in
// the list's time zone, UTC when it is unknown.
func Summary(l *directory.List) string {
	loc, err := time.LoadLocation(l.TimeZone)
	if err != nil || l.TimeZone == "" {
		loc = time.UTC
	}

	parts := make([]string, 0, len(l.Positions))
	for _, p := range l.Positions {
		parts = append(parts, fmt.Sprintf("Instrument: *%s*\nQuantity: %s\nMarket Position: %s\nAverage Price: %s\nLast Update: %s",
			p.Instrument,
			strconv.FormatFloat(p.Quantity, 'f', -1, 64),
			p.MarketPosition,
			strconv.FormatFloat(p.AveragePrice, 'f', -1, 64),
			p.UpdatedAt.In(loc).Format(lastUpdateLayout)))
	}
	body := strings.Join(parts, "\n---\n")
	if body == "" {
		body = noPositions
	}
	return l.Name + "\n---\n" + body
}
