package delivery

import (
	"fmt"

	"github.com/mbd888/replikanto/internal/directory"
)

// Status is the terminal state of one delivery.
type Status int

const (
	Delivered Status = iota
	// Pending means the payload waits on an open transition for replay.
	Pending
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Pending:
		return "pending"
	default:
		return "failed"
	}
}

// Failure reasons reported to the sender.
const (
	ReasonDisconnected   = "Invalid or disconnected node"
	ReasonRateLimited    = "Rate limited"
	ReasonNotReconnected = "Not yet reconnected"
	ReasonNotReady       = "New connection is not ready"
)

// Outcome is the result of delivering to one endpoint, or to a node that
// had none.
type Outcome struct {
	Target     string
	Endpoint   directory.EndpointRef
	Status     Status
	Retries    int
	Redirected bool
	Reason     string
}

// NodeStatus is one entry of a node_status reply.
type NodeStatus struct {
	Node   string `json:"node"`
	Status string `json:"status"`
	Msg    string `json:"msg,omitempty"`
}

// NodeStatus renders the outcome for the sender.
func (o Outcome) NodeStatus() NodeStatus {
	switch o.Status {
	case Delivered:
		if o.Retries > 0 {
			return NodeStatus{Node: o.Target, Status: fmt.Sprintf("sent after %d retry(ies)", o.Retries)}
		}
		return NodeStatus{Node: o.Target, Status: "sent"}
	case Pending:
		return NodeStatus{Node: o.Target, Status: "retry"}
	default:
		return NodeStatus{Node: o.Target, Status: "error", Msg: o.Reason}
	}
}

// DirectResult is the outcome of a direct delivery to one subscriber.
type DirectResult struct {
	Node string
	// Endpoints is how many live endpoints the node had when first resolved.
	Endpoints int
	Outcomes  []Outcome
}

// Delivered reports whether any endpoint accepted the payload.
func (r DirectResult) Delivered() bool {
	for _, o := range r.Outcomes {
		if o.Status == Delivered {
			return true
		}
	}
	return false
}
