package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/pkg/queue"
	"github.com/tutorlink/backend/pkg/response"
)

// maxWebhookBody bounds the webhook payload read into memory.
const maxWebhookBody = 1 << 16

// OutcomeQueue defers webhook outcomes to the worker.
type OutcomeQueue interface {
	EnqueuePaymentOutcome(ctx context.Context, payload queue.PaymentOutcomePayload) error
}

// Handler handles payment HTTP endpoints.
type Handler struct {
	engine   *Engine
	verifier WebhookVerifier
	queue    OutcomeQueue
	logger   *zap.Logger
}

// NewHandler creates a payments handler. verifier and q may be nil.
func NewHandler(engine *Engine, verifier WebhookVerifier, q OutcomeQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, verifier: verifier, queue: q, logger: logger}
}

// CreateIntentRequest is the body for POST /payments/create-intent.
type CreateIntentRequest struct {
	AmountCents    int64      `json:"amount_cents" binding:"required,gt=0"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description"`
	SubscriptionID *uuid.UUID `json:"subscription_id"`
}

// CreateIntent handles POST /payments/create-intent.
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, _ := middleware.Principal(c)
	payment, secret, err := h.engine.CreatePayment(c.Request.Context(), CreateRequest{
		UserID:         p.UserID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Description:    req.Description,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, gin.H{
		"client_secret": secret,
		"payment_id":    payment.ID,
		"payment":       payment,
	})
}

// Confirm handles POST /payments/confirm/:id.
func (h *Handler) Confirm(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	p, _ := middleware.Principal(c)
	outcome, err := h.engine.Confirm(c.Request.Context(), id, p.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payment, err := h.engine.Get(c.Request.Context(), id, p.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"status": outcome, "payment": payment})
}

// Webhook handles POST /payments/webhook. It is unauthenticated; the provider signature is the gate.
func (h *Handler) Webhook(c *gin.Context) {
	if h.verifier == nil {
		response.ServiceUnavailable(c, ErrProviderNotConfigured.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	ev, ok, err := h.verifier.ParseWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		response.BadRequest(c, "invalid webhook signature")
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if h.queue != nil {
		err := h.queue.EnqueuePaymentOutcome(c.Request.Context(), queue.PaymentOutcomePayload{
			Reference:  ev.Reference,
			Outcome:    string(ev.Outcome),
			EventID:    ev.ID,
			ReceivedAt: time.Now(),
		})
		if err == nil {
			response.Accepted(c, gin.H{"received": true, "queued": true})
			return
		}
		h.logger.Warn("enqueue payment outcome failed, applying inline", zap.Error(err), zap.String("event_id", ev.ID))
	}

	if err := h.engine.HandleOutcome(c.Request.Context(), ev.Reference, ev.Outcome); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.logger.Warn("webhook for unknown payment", zap.String("reference", ev.Reference), zap.String("event_id", ev.ID))
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		h.logger.Error("webhook processing failed", zap.Error(err), zap.String("event_id", ev.ID))
		response.Internal(c, "webhook processing failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// List handles GET /payments?limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	p, _ := middleware.Principal(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	list, err := h.engine.List(c.Request.Context(), p.UserID, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /payments/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	p, _ := middleware.Principal(c)
	payment, err := h.engine.Get(c.Request.Context(), id, p.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, payment)
}

// RefundRequest is the body for POST /payments/:id/refund. Zero amount refunds in full.
type RefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// Refund handles POST /payments/:id/refund (admin, tutor).
func (h *Handler) Refund(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid payment id")
		return
	}
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	refund, payment, err := h.engine.Refund(c.Request.Context(), id, req.AmountCents, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"refund_id": refund.Reference, "amount_cents": refund.AmountCents, "payment": payment})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrProviderNotConfigured):
		response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNotRefundable):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrProvider):
		h.logger.Warn("payment provider call failed", zap.Error(err))
		response.BadGateway(c, ErrProvider.Error())
	default:
		h.logger.Error("payment request failed", zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, "internal server error")
	}
}
