package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mbd888/replikanto/internal/realtime"
	"github.com/mbd888/replikanto/internal/relay"
)

// Inbound answers websocket frames. A frame is a JSON object whose "action"
// field selects the operation; the rest of the object is its body.
type Inbound struct {
	router *Router
}

func NewInbound(router *Router) *Inbound {
	return &Inbound{router: router}
}

type frameHead struct {
	Action string `json:"action"`
	// Path parameters travel in the frame body over websockets.
	MachineID       string `json:"old_machine_id"`
	SubscriberID    string `json:"replikanto_id"`
	BroadcastListID string `json:"broadcast_list_id"`
}

// HandleFrame implements realtime.InboundHandler. Connect headers of the
// connection apply to every frame it sends.
func (in *Inbound) HandleFrame(ctx context.Context, f realtime.Frame) []byte {
	var head frameHead
	if err := json.Unmarshal(f.Data, &head); err != nil {
		return mustEncode(Failure{Payload: errorPayload("Invalid request body")})
	}

	_, out := in.router.Dispatch(ctx, Envelope{
		Action:  head.Action,
		Headers: f.Headers,
		PathParams: map[string]string{
			ParamMachineID:     head.MachineID,
			ParamSubscriberID:  head.SubscriberID,
			ParamBroadcastList: head.BroadcastListID,
		},
		Body:   json.RawMessage(f.Data),
		Origin: f.From.Handle,
	})
	return mustEncode(out)
}

func mustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(Failure{Payload: errorPayload(http.StatusText(http.StatusInternalServerError))})
	}
	return b
}

func errorPayload(msg string) relay.ErrorPayload {
	return relay.ErrorPayload{Status: "error", Msg: msg}
}
