// Package payments credits subscriber balances from completed Stripe
// checkout sessions.
//
// The checkout session carries the subscriber in its metadata:
//
//	replikanto_id  subscriber identity to credit
//	credits        whole credits bought
//	order_id       numeric order reference (optional; the session id is
//	               hashed into one when absent)
//
// Stripe redelivers events until it gets a 2xx, so a credit already applied
// for the same order answers 200 with status "duplicate".
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/replikanto/internal/ledger"
	"github.com/mbd888/replikanto/internal/logging"
)

const maxBody = 64 << 10

var errMetadata = errors.New("checkout session metadata incomplete")

// Crediter applies a credit.
type Crediter interface {
	Credit(ctx context.Context, subscriberID string, amount, orderRef int64) (*ledger.Row, error)
}

// Handler serves the Stripe webhook.
type Handler struct {
	ledger Crediter
	secret string
	logger *slog.Logger
}

func NewHandler(l Crediter, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{ledger: l, secret: secret, logger: logger}
}

// RegisterRoutes mounts the webhook. Nothing is mounted without a secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.secret == "" {
		return
	}
	r.POST("/payments/stripe/webhook", h.Webhook)
}

// Credit is what a checkout session asks for.
type Credit struct {
	SubscriberID string
	Amount       int64
	OrderRef     int64
}

// Webhook handles POST /payments/stripe/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "invalid signature"})
		return
	}

	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "msg": "invalid checkout session"})
		return
	}
	credit, err := CreditFromSession(&session)
	if err != nil {
		h.logger.Warn("checkout session not credited", "session", session.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "msg": err.Error()})
		return
	}

	row, err := h.ledger.Credit(c.Request.Context(), credit.SubscriberID, credit.Amount, credit.OrderRef)
	switch {
	case errors.Is(err, ledger.ErrDuplicateCredit):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, ledger.ErrRowNotFound), errors.Is(err, ledger.ErrInvalidAmount):
		h.logger.Warn("checkout session not credited", "session", session.ID, "replikanto_id", credit.SubscriberID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "msg": err.Error()})
	case err != nil:
		// Non-2xx makes Stripe retry later.
		h.logger.Error("checkout credit failed", "session", session.ID, "replikanto_id", credit.SubscriberID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "msg": "credit failed"})
	default:
		h.logger.Info("checkout credited", "session", session.ID, "replikanto_id", credit.SubscriberID, "credit", credit.Amount, "credits", row.Credits)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "replikanto_id": credit.SubscriberID, "credits": row.Credits})
	}
}

// CreditFromSession reads the credit request out of a session's metadata.
func CreditFromSession(s *stripe.CheckoutSession) (Credit, error) {
	sub := strings.TrimSpace(s.Metadata["replikanto_id"])
	amount, err := strconv.ParseInt(s.Metadata["credits"], 10, 64)
	if sub == "" || err != nil {
		return Credit{}, errMetadata
	}

	ref, err := strconv.ParseInt(s.Metadata["order_id"], 10, 64)
	if err != nil || ref == 0 {
		ref = sessionRef(s.ID)
	}
	return Credit{SubscriberID: sub, Amount: amount, OrderRef: ref}, nil
}

func sessionRef(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	ref := int64(h.Sum64() & (1<<63 - 1))
	if ref == 0 {
		ref = 1
	}
	return ref
}
