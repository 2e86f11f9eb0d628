package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/deviceid"
	"github.com/mbd888/replikanto/internal/fanout"
	"github.com/mbd888/replikanto/internal/identity"
	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/traces"
)

const listPrefix = "@LST"

// Clients from this version report every connection of a target, so extra
// connections can be charged.
var overspendVersion = deviceid.Version{1, 4, 1, 2}

// OrderUpdateRequest relays one trade to a set of nodes. A node is a
// subscriber identity or a broadcast list id.
type OrderUpdateRequest struct {
	DeviceID     string          `json:"machine_id"`
	SubscriberID string          `json:"replikanto_id"`
	Version      string          `json:"replikanto_version"`
	Trade        json.RawMessage `json:"trade"`
	Nodes        []string        `json:"nodes"`
	Account      json.RawMessage `json:"account"`
	// Origin is the sender's own connection handle; it never receives its
	// own trade.
	Origin string `json:"-"`
	// ViaHTTP is set when the request did not arrive on a connection that
	// already passed the connect gate.
	ViaHTTP bool `json:"-"`
}

// CreditsState is the balance part of node_status.
type CreditsState struct {
	HasCreditsChanged bool  `json:"has_credits_changed"`
	Credits           int64 `json:"credits"`
}

// NodeStatusReply answers an order update.
type NodeStatusReply struct {
	Action      string                `json:"action"`
	Credits     CreditsState          `json:"credits"`
	NodesStatus []delivery.NodeStatus `json:"nodes_status"`
}

// TradeFrame is what recipients receive.
type TradeFrame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	Version string          `json:"replikanto_version,omitempty"`
}

type tradeHead struct {
	OrderState string `json:"orderState"`
	TimeUTC    string `json:"timeUTC"`
}

// OrderUpdate delivers a trade to every node and charges the sender.
func (s *Service) OrderUpdate(ctx context.Context, req OrderUpdateRequest) (NodeStatusReply, error) {
	started := time.Now()
	nodes := normalizeNodes(req.Nodes)

	if len(nodes) == 0 {
		return nodeStatus(CreditsState{}, delivery.NodeStatus{Status: statusError, Msg: "Undefined nodes"}), nil
	}
	if len(nodes) == 1 && nodes[0] == identity.InvalidNode {
		return nodeStatus(CreditsState{}, delivery.NodeStatus{Node: identity.InvalidNode, Status: statusError, Msg: "Invalid node"}), nil
	}

	id, err := deviceid.Parse(req.DeviceID)
	if err != nil {
		return NodeStatusReply{}, err
	}
	device := id.String()

	ctx, span := traces.StartSpan(ctx, "relay.order_update",
		traces.DeviceID(device), traces.SubscriberID(req.SubscriberID), traces.NodeCount(len(nodes)))
	defer span.End()

	var head tradeHead
	_ = json.Unmarshal(req.Trade, &head)

	if req.ViaHTTP && s.blacklisted(device) {
		statuses := make([]delivery.NodeStatus, 0, len(nodes))
		for _, n := range nodes {
			statuses = append(statuses, delivery.NodeStatus{Node: n, Status: statusError, Msg: "Your machine id is on the Blacklist"})
		}
		reply := nodeStatus(CreditsState{}, statuses...)
		s.tradeLog(req, device, head, reply, started)
		return reply, nil
	}

	frame, err := json.Marshal(TradeFrame{Action: ActionTrade, Payload: req.Trade, Version: req.Version})
	if err != nil {
		return NodeStatusReply{}, err
	}

	var lists, direct []string
	for _, n := range nodes {
		if strings.HasPrefix(n, listPrefix) {
			lists = append(lists, n)
		} else {
			direct = append(direct, n)
		}
	}

	var statuses []delivery.NodeStatus
	listStatuses, listEndpoints := s.broadcastLists(ctx, device, lists, frame)
	statuses = append(statuses, listStatuses...)

	charged := head.OrderState == chargedOrderState && !(len(direct) == 1 && direct[0] == identity.EchoNode)
	var debit ledger.DebitResult
	if charged {
		amount := int64(countCharged(direct))
		if s.cfg.ChargeBroadcast {
			amount += int64(listEndpoints)
		}
		debit, charged = s.debit(ctx, device, amount)
	}

	// Budget counts down per direct node; once it is spent the remaining
	// nodes are refused.
	budget := debit.Budget
	var deliver []string
	refused := make(map[string]bool)
	for _, n := range direct {
		if charged && debit.Changed && budget <= 0 {
			refused[n] = true
			continue
		}
		if head.OrderState == chargedOrderState {
			budget--
		}
		deliver = append(deliver, n)
	}

	results := s.deliverDirect(ctx, deliver, frame, req.Origin)

	overspend := 0
	for _, n := range direct {
		if refused[n] {
			statuses = append(statuses, delivery.NodeStatus{Node: n, Status: statusError, Msg: "No credits"})
			continue
		}
		res := results[n]
		if n != identity.EchoNode && res.Endpoints > 1 {
			overspend += res.Endpoints - 1
		}
		statuses = append(statuses, directStatuses(n, res)...)
	}

	credits := CreditsState{HasCreditsChanged: charged && debit.Changed, Credits: debit.Credits}
	if s.cfg.ChargeDuplicateConnections && overspend > 0 && credits.Credits > 0 &&
		head.OrderState == chargedOrderState && deviceid.AtLeast(req.Version, overspendVersion) {
		s.logger.Info("charging duplicate connections", "machine_id", device, "overspend", overspend)
		if extra, ok := s.debit(ctx, device, int64(overspend)); ok {
			credits = CreditsState{HasCreditsChanged: true, Credits: extra.Credits}
		}
	}

	reply := nodeStatus(credits, statuses...)
	s.tradeLog(req, device, head, reply, started)
	return reply, nil
}

// debit charges amount. A device without a ledger row has nothing to spend;
// a store failure lets the order through uncharged.
func (s *Service) debit(ctx context.Context, device string, amount int64) (ledger.DebitResult, bool) {
	res, err := s.Ledger.Debit(ctx, device, amount)
	switch {
	case errors.Is(err, ledger.ErrRowNotFound):
		return ledger.DebitResult{Changed: true}, true
	case err != nil:
		s.logger.Error("debit failed, order relayed uncharged", "machine_id", device, "amount", amount, "error", err)
		return ledger.DebitResult{}, false
	}
	return res, true
}

func (s *Service) broadcastLists(ctx context.Context, origin string, lists []string, frame []byte) ([]delivery.NodeStatus, int) {
	if len(lists) == 0 {
		return nil, 0
	}
	results := make([]fanout.Result, len(lists))
	g, gctx := errgroup.WithContext(ctx)
	for i, listID := range lists {
		g.Go(func() error {
			res, err := s.Lists.Broadcast(gctx, fanout.BroadcastRequest{Origin: origin, ListID: listID, Payload: frame})
			if err != nil {
				s.logger.Warn("broadcast not submitted", "broadcast_list_id", listID, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	statuses := make([]delivery.NodeStatus, 0, len(lists))
	endpoints := 0
	for i, res := range results {
		if !res.Skipped {
			endpoints += res.Endpoints
		}
		statuses = append(statuses, delivery.NodeStatus{Node: lists[i], Status: res.Status()})
	}
	return statuses, endpoints
}

func (s *Service) deliverDirect(ctx context.Context, nodes []string, frame []byte, origin string) map[string]delivery.DirectResult {
	var mu sync.Mutex
	out := make(map[string]delivery.DirectResult, len(nodes))
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.Direct.DeliverDirect(ctx, n, frame, delivery.Options{Exclude: origin})
			mu.Lock()
			out[n] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// directStatuses renders one node's outcomes. The echo node reports every
// connection; any other node reports once, preferring a delivery.
func directStatuses(node string, res delivery.DirectResult) []delivery.NodeStatus {
	if len(res.Outcomes) == 0 {
		return []delivery.NodeStatus{{Node: node, Status: statusError, Msg: delivery.ReasonDisconnected}}
	}
	if node == identity.EchoNode {
		out := make([]delivery.NodeStatus, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			out = append(out, withNode(o.NodeStatus(), node))
		}
		return out
	}
	best := res.Outcomes[0]
	for _, o := range res.Outcomes[1:] {
		if o.Status < best.Status {
			best = o
		}
	}
	return []delivery.NodeStatus{withNode(best.NodeStatus(), node)}
}

func withNode(ns delivery.NodeStatus, node string) delivery.NodeStatus {
	ns.Node = node
	return ns
}

func nodeStatus(credits CreditsState, statuses ...delivery.NodeStatus) NodeStatusReply {
	if statuses == nil {
		statuses = []delivery.NodeStatus{}
	}
	return NodeStatusReply{Action: ActionNodeStatus, Credits: credits, NodesStatus: statuses}
}

// normalizeNodes drops empty entries and duplicates, keeping first-seen
// order. Subscriber ids are matched case-insensitively.
func normalizeNodes(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if !strings.HasPrefix(n, listPrefix) {
			n = strings.ToUpper(n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func countCharged(direct []string) int {
	n := 0
	for _, d := range direct {
		if d != identity.EchoNode {
			n++
		}
	}
	return n
}

// tradeLog writes the per-order audit record.
func (s *Service) tradeLog(req OrderUpdateRequest, device string, head tradeHead, reply NodeStatusReply, started time.Time) {
	elapsed := time.Since(started)
	if t, err := time.Parse(time.RFC3339Nano, head.TimeUTC); err == nil {
		elapsed = time.Since(t)
	}
	s.logger.Info("trade_log",
		"trade", string(req.Trade),
		"account", string(req.Account),
		"credits", reply.Credits.Credits,
		"machine_id", device,
		"replikanto_id", req.SubscriberID,
		"replikanto_version", req.Version,
		"nodes_status", reply.NodesStatus,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
