package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/metrics"
	xerrors "billing-sync-service/internal/pkg/errors"

	"go.uber.org/zap"
)

const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

// Deduper remembers processed event ids.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type WebhookProcessor struct {
	gateway  Gateway
	payments PaymentStore
	dedupe   Deduper
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewWebhookProcessor(gw Gateway, payments PaymentStore, dedupe Deduper, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *WebhookProcessor {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookProcessor{
		gateway:  gw,
		payments: payments,
		dedupe:   dedupe,
		ttl:      ttl,
		metrics:  m,
		logger:   logger.Named("webhook"),
	}
}

type eventObject struct {
	ID string `json:"id"`
}

// Handle verifies and applies one gateway event. A bad signature returns a
// validation error before anything is touched.
func (w *WebhookProcessor) Handle(ctx context.Context, payload []byte, signature string) error {
	ev, err := w.gateway.ConstructEvent(payload, signature)
	if err != nil {
		w.metrics.RecordWebhook("unknown", "rejected")
		w.logger.Warn("webhook rejected", zap.Error(err))
		return err
	}
	w.logger.Info("stripe webhook received",
		zap.String("type", ev.Type),
		zap.String("id", ev.ID),
	)
	w.logger.Debug("stripe webhook payload", zap.Any("payload", RedactJSON(payload)))

	key := "stripe:event:" + ev.ID
	if w.dedupe != nil && ev.ID != "" {
		fresh, err := w.dedupe.Claim(ctx, key, w.ttl)
		switch {
		case err != nil:
			w.logger.Warn("webhook dedupe unavailable, processing anyway", zap.Error(err))
		case !fresh:
			w.logger.Info("webhook replay ignored", zap.String("id", ev.ID))
			w.metrics.RecordWebhook(ev.Type, "duplicate")
			return nil
		}
	}

	if err := w.apply(ctx, ev.Type, ev.Data); err != nil {
		if w.dedupe != nil && ev.ID != "" {
			if relErr := w.dedupe.Release(ctx, key); relErr != nil {
				w.logger.Warn("failed to release webhook claim", zap.Error(relErr))
			}
		}
		w.metrics.RecordWebhook(ev.Type, "failed")
		return err
	}
	w.metrics.RecordWebhook(ev.Type, "processed")
	return nil
}

func (w *WebhookProcessor) apply(ctx context.Context, eventType string, data json.RawMessage) error {
	var obj eventObject
	if len(data) > 0 {
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode %s object: %v: %w", eventType, err, xerrors.ErrValidation)
		}
	}

	switch eventType {
	case EventCheckoutCompleted:
		w.logger.Info("checkout session completed", zap.String("session_id", obj.ID))
	case EventPaymentIntentSucceeded:
		w.logger.Info("payment intent succeeded", zap.String("payment_intent_id", obj.ID))
	case EventPaymentIntentFailed:
		return w.markFailed(ctx, obj.ID)
	default:
		w.logger.Info("unhandled webhook event type", zap.String("type", eventType))
	}
	return nil
}

func (w *WebhookProcessor) markFailed(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return nil
	}
	p, err := w.payments.FindByTransactionID(ctx, paymentIntentID)
	if errors.Is(err, xerrors.ErrNotFound) {
		w.logger.Info("no payment for failed intent", zap.String("payment_intent_id", paymentIntentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("find payment for intent %s: %w", paymentIntentID, err)
	}
	if err := w.payments.UpdateStatus(ctx, p.ID, payment.StatusFailed); err != nil {
		return fmt.Errorf("mark payment %d failed: %w", p.ID, err)
	}
	w.logger.Info("payment marked failed",
		zap.Int64("payment_id", p.ID),
		zap.String("payment_intent_id", paymentIntentID),
	)
	return nil
}
