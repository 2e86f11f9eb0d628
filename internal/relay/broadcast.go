package relay

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/ingest"
)

// FollowerRequest links or unlinks DeviceID on a list. Caller is the device
// asking and must be the follower itself or a list owner.
type FollowerRequest struct {
	Caller   string `json:"-"`
	ListID   string `json:"-"`
	DeviceID string `json:"machine_id"`
}

// StatusPayload is a bare status answer.
type StatusPayload struct {
	Status string `json:"status"`
}

// Link adds a follower to a list.
func (s *Service) Link(ctx context.Context, req FollowerRequest) (Reply, error) {
	if req.Caller == "" {
		return s.followerError(ActionLink, req, directory.ErrListOwnership), nil
	}
	if err := s.Directory.Link(ctx, linkRequest(req)); err != nil {
		return s.followerError(ActionLink, req, err), nil
	}
	s.logger.Info("follower linked", "broadcast_list_id", req.ListID, "machine_id", req.DeviceID)
	return Reply{Action: ActionLink, Payload: StatusPayload{Status: "linked"}}, nil
}

// Unlink removes a follower from a list.
func (s *Service) Unlink(ctx context.Context, req FollowerRequest) (Reply, error) {
	if req.Caller == "" {
		return s.followerError(ActionUnlink, req, directory.ErrListOwnership), nil
	}
	if err := s.Directory.Unlink(ctx, linkRequest(req)); err != nil {
		return s.followerError(ActionUnlink, req, err), nil
	}
	s.logger.Info("follower unlinked", "broadcast_list_id", req.ListID, "machine_id", req.DeviceID)
	return Reply{Action: ActionUnlink, Payload: StatusPayload{Status: "unlinked"}}, nil
}

func linkRequest(req FollowerRequest) directory.LinkRequest {
	return directory.LinkRequest{Caller: req.Caller, ListID: req.ListID, DeviceID: req.DeviceID}
}

func (s *Service) followerError(action string, req FollowerRequest, err error) Reply {
	switch {
	case errors.Is(err, deviceid.ErrMalformed), errors.Is(err, deviceid.ErrUnsigned),
		errors.Is(err, directory.ErrListNotFound), errors.Is(err, directory.ErrListOwnership):
	default:
		s.logger.Error("follower change failed", "action", action, "broadcast_list_id", req.ListID, "machine_id", req.DeviceID, "error", err)
	}
	return errorReply(action, err.Error())
}

// FollowersPayload is the broadcast payload.
type FollowersPayload struct {
	Status    string   `json:"status"`
	Followers []string `json:"followers"`
}

// Followers lists the follower device ids of a list.
func (s *Service) Followers(ctx context.Context, listID string) (Reply, error) {
	followers, err := s.Directory.Followers(ctx, listID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Action: ActionBroadcast, Payload: FollowersPayload{Status: "list", Followers: followers}}, nil
}

// SetPositionsRequest replaces the open positions shown to a list's
// followers. Only an owner may do it.
type SetPositionsRequest struct {
	Caller    string                     `json:"machine_id"`
	ListID    string                     `json:"-"`
	Positions map[string]ingest.Position `json:"positions"`
}

// SetPositions stores new positions. Followers get them through the ingest
// stream.
func (s *Service) SetPositions(ctx context.Context, req SetPositionsRequest) (Reply, error) {
	l, err := s.Directory.List(ctx, req.ListID)
	if errors.Is(err, directory.ErrListNotFound) {
		return errorReply(ActionPositions, err.Error()), nil
	}
	if err != nil {
		return Reply{}, err
	}
	if !l.IsOwner(req.Caller) {
		return errorReply(ActionPositions, directory.ErrListOwnership.Error()), nil
	}

	now := time.Now().UTC()
	positions := make([]directory.Position, 0, len(req.Positions))
	for instrument, p := range req.Positions {
		updated := p.LastUpdate
		if updated.IsZero() {
			updated = now
		}
		positions = append(positions, directory.Position{
			Instrument:     instrument,
			Quantity:       p.Quantity,
			MarketPosition: p.MarketPosition,
			AveragePrice:   p.AveragePrice,
			UpdatedAt:      updated,
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })

	err = s.Directory.Bounds().Do(ctx, "relay.set_positions", func(ctx context.Context) error {
		return s.Directory.Lists().SetPositions(ctx, req.ListID, positions)
	})
	if err != nil {
		return Reply{}, err
	}

	if s.Positions != nil {
		if err := s.Positions.Notify(ctx, req.ListID); err != nil {
			s.logger.Warn("position change not signalled", "broadcast_list_id", req.ListID, "error", err)
		}
	}
	s.logger.Info("positions updated", "broadcast_list_id", req.ListID, "positions", len(positions))
	return Reply{Action: ActionPositions, Payload: StatusPayload{Status: "updated"}}, nil
}
