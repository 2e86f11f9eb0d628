package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/replikanto/internal/delivery"
	"github.com/mbd888/replikanto/internal/ledger"
)

// CreditRequest tops up a subscriber. Credit and OrderID stay raw numbers
// so that a missing value and a non-integer one can be told apart.
type CreditRequest struct {
	SubscriberID string      `json:"-"`
	Credit       json.Number `json:"credit"`
	OrderID      json.Number `json:"order_id"`
}

// CreditResult is the credit payload.
type CreditResult struct {
	Status       string `json:"status"`
	SubscriberID string `json:"replikanto_id"`
	Credits      int64  `json:"credits"`
	Credit       int64  `json:"credit,omitempty"`
}

// Credit adds credits bought by a subscriber. An order id equal to the last
// one applied is refused.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (Reply, error) {
	if req.Credit == "" {
		return errorReply(ActionCredit, "Invalid credit"), nil
	}
	amount, err := req.Credit.Int64()
	if err != nil {
		return errorReply(ActionCredit, "Invalid credit quantity type"), nil
	}
	if amount < 1 {
		return errorReply(ActionCredit, "Invalid credit quantity"), nil
	}
	var orderRef int64
	if req.OrderID != "" {
		if orderRef, err = req.OrderID.Int64(); err != nil {
			return errorReply(ActionCredit, "Invalid order id type"), nil
		}
	}

	row, err := s.Ledger.Credit(ctx, req.SubscriberID, amount, orderRef)
	switch {
	case errors.Is(err, ledger.ErrRowNotFound):
		return errorReply(ActionCredit, fmt.Sprintf("The Replikanto ID %s has no machine id", req.SubscriberID)), nil
	case errors.Is(err, ledger.ErrDuplicateCredit):
		return errorReply(ActionCredit, "Credit Twice Prevent"), nil
	case errors.Is(err, ledger.ErrInvalidAmount):
		return errorReply(ActionCredit, "Invalid credit quantity"), nil
	case err != nil:
		return Reply{}, err
	}

	s.logger.Info("credited", "replikanto_id", req.SubscriberID, "credit", amount, "credits", row.Credits, "order_id", orderRef)
	return Reply{Action: ActionCredit, Payload: CreditResult{
		Status:       "credited",
		SubscriberID: req.SubscriberID,
		Credits:      row.Credits,
		Credit:       amount,
	}}, nil
}

// BalanceChanged pushes the new balance to every live connection of the
// row's identity. It implements ledger.BalanceNotifier.
func (s *Service) BalanceChanged(ctx context.Context, row *ledger.Row) {
	frame, err := encode(ActionCredit, CreditResult{
		Status:       "balance",
		SubscriberID: row.SubscriberID,
		Credits:      row.Credits,
	})
	if err != nil {
		return
	}
	sub := row.SubscriberID
	s.submit(ctx, "balance push", func(ctx context.Context) {
		res := s.Direct.DeliverDirect(ctx, sub, frame, delivery.Options{NoRetry: true})
		if res.Endpoints > 0 && !res.Delivered() {
			s.logger.Debug("balance push not delivered", "replikanto_id", sub)
		}
	})
}
