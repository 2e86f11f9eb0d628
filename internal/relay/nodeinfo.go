package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/directory"
	"github.com/mbd888/replikanto/internal/identity"
	"github.com/mbd888/replikanto/internal/ingest"
	"github.com/mbd888/replikanto/internal/ledger"
)

// NodeInfoRequest asks for the identity bound to a device.
type NodeInfoRequest struct {
	DeviceID string `json:"machine_id"`
	// PreviousDeviceID comes from the Old-Machine-Id header.
	PreviousDeviceID string `json:"-"`
}

// ListInfo is a followed broadcast list.
type ListInfo struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Positions map[string]ingest.Position `json:"positions,omitempty"`
}

// NodeInfo is the node_info payload.
type NodeInfo struct {
	SubscriberID  string     `json:"replikanto_id"`
	Credits       int64      `json:"credits"`
	BroadcastList []ListInfo `json:"broadcast_list,omitempty"`
}

// NodeInfo resolves the identity of a device, minting one on first contact.
func (s *Service) NodeInfo(ctx context.Context, req NodeInfoRequest) (Reply, error) {
	res, err := s.Identity.Resolve(ctx, identity.ResolveRequest{
		DeviceID:         req.DeviceID,
		PreviousDeviceID: req.PreviousDeviceID,
	})
	if err != nil {
		return Reply{}, err
	}
	if res.Ambiguous {
		return Reply{Action: ActionNodeInfo, Payload: NodeInfo{SubscriberID: res.SubscriberID}}, nil
	}

	info, err := s.nodeInfo(ctx, res.DeviceID.String(), res.SubscriberID, res.Credits)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Action: ActionNodeInfo, Payload: info}, nil
}

func (s *Service) nodeInfo(ctx context.Context, deviceID, subscriberID string, credits int64) (NodeInfo, error) {
	lists, err := s.Directory.FollowedListDetails(ctx, deviceID)
	if err != nil {
		return NodeInfo{}, err
	}
	info := NodeInfo{SubscriberID: subscriberID, Credits: credits, BroadcastList: make([]ListInfo, 0, len(lists))}
	for _, l := range lists {
		li := ListInfo{ID: l.ID, Name: l.Name}
		if len(l.Positions) > 0 {
			li.Positions = ingest.NewPositionInfo(l).Positions
		}
		info.BroadcastList = append(info.BroadcastList, li)
	}
	return info, nil
}

// ChangeMachineIDRequest moves an identity from Old to New.
type ChangeMachineIDRequest struct {
	Old string `json:"-"`
	New string `json:"machine_id"`
}

// ChangeMachineIDResult is the change_machine_id payload.
type ChangeMachineIDResult struct {
	Status      string `json:"status"`
	DeviceID    string `json:"machine_id,omitempty"`
	NewDeviceID string `json:"new_machine_id,omitempty"`
	Msg         string `json:"msg"`
}

// ChangeMachineID merges the identity of req.Old onto req.New. Live
// connections of the new device are told their new identity.
func (s *Service) ChangeMachineID(ctx context.Context, req ChangeMachineIDRequest) (Reply, error) {
	res, err := s.Identity.Merge(ctx, req.Old, req.New)
	switch {
	case errors.Is(err, deviceid.ErrMalformed):
		return errorReply(ActionChangeMachineID, fmt.Sprintf("Invalid machine id %s or %s", req.Old, req.New)), nil
	case errors.Is(err, identity.ErrUnsignedTarget), errors.Is(err, identity.ErrIdentical):
		return errorReply(ActionChangeMachineID, err.Error()), nil
	case errors.Is(err, ledger.ErrRowNotFound):
		return errorReply(ActionChangeMachineID, fmt.Sprintf("Machine id %s not found", req.Old)), nil
	case err != nil:
		s.logger.Error("change machine id failed", "machine_id", req.Old, "new_machine_id", req.New, "error", err)
		return errorReply(ActionChangeMachineID, "Unable to change the machine id, try again later"), nil
	}

	if len(res.Repointed) > 0 {
		s.pushNodeInfo(ctx, res)
	}

	return Reply{Action: ActionChangeMachineID, Payload: ChangeMachineIDResult{
		Status:      "changed",
		DeviceID:    res.OldDeviceID,
		NewDeviceID: res.NewDeviceID,
		Msg:         res.Msg,
	}}, nil
}

// pushNodeInfo tells the repointed connections their retained identity.
func (s *Service) pushNodeInfo(ctx context.Context, res identity.MergeResult) {
	info, err := s.nodeInfo(ctx, res.NewDeviceID, res.SubscriberID, res.Credits)
	if err != nil {
		s.logger.Warn("node info push skipped", "machine_id", res.NewDeviceID, "error", err)
		return
	}
	frame, err := encode(ActionNodeInfo, info)
	if err != nil {
		return
	}
	refs := make([]directory.EndpointRef, 0, len(res.Repointed))
	for _, ep := range res.Repointed {
		refs = append(refs, ep.Ref())
	}
	s.submit(ctx, "node_info push", func(ctx context.Context) {
		for _, o := range s.Endpoints.DeliverEndpoints(ctx, "", refs, frame, delivery.Options{NoRetry: true}) {
			if o.Status == delivery.Failed {
				s.logger.Warn("node info push failed", "connection_id", o.Endpoint.Handle, "reason", o.Reason)
			}
		}
	})
}
