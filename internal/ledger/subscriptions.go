package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"billing-sync-service/internal/domain/subscription"
	xerrors "billing-sync-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// ScanResult is the outcome of a fleet-wide listing.
type ScanResult struct {
	Index subscription.ExternalIndex
	// Order keeps first-seen order so passes are deterministic.
	Order []string
	// Failed holds the error for every status whose scan was cut short.
	Failed map[subscription.Status]error
}

// Records returns the deduplicated records in first-seen order.
func (r *ScanResult) Records() []*subscription.ExternalSubscriptionRecord {
	out := make([]*subscription.ExternalSubscriptionRecord, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Index[id])
	}
	return out
}

func (c *Client) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	subscriptionAt := in.SubscriptionAt
	if subscriptionAt == "" {
		subscriptionAt = FormatTime(time.Now())
	}
	subscriptionAt, err := NormalizeTime(subscriptionAt)
	if err != nil {
		return nil, fmt.Errorf("subscription_at: %w", err)
	}
	endingAt, err := NormalizeTime(in.EndingAt)
	if err != nil {
		return nil, fmt.Errorf("ending_at: %w", err)
	}

	body := map[string]any{
		"external_customer_id": in.ExternalCustomerID,
		"plan_code":            in.PlanCode,
		"external_id":          in.ExternalID,
		"subscription_at":      subscriptionAt,
	}
	if in.Name != "" {
		body["name"] = in.Name
	}
	if endingAt != "" {
		body["ending_at"] = endingAt
	}

	var env struct {
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", nil, map[string]any{"subscription": body}, &env); err != nil {
		return nil, fmt.Errorf("create ledger subscription: %w", err)
	}
	if len(env.Subscription) == 0 {
		return &Subscription{ExternalID: in.ExternalID, ExternalCustomerID: in.ExternalCustomerID, PlanCode: in.PlanCode}, nil
	}
	subs, err := decodeSubscriptions([]json.RawMessage{env.Subscription})
	if err != nil {
		return nil, err
	}
	return &subs[0], nil
}

func (c *Client) GetSubscriptionsByCustomer(ctx context.Context, externalCustomerID string, page, perPage int) (*SubscriptionPage, error) {
	q := pageQuery(page, perPage)
	q.Set("external_customer_id", externalCustomerID)
	return c.listSubscriptions(ctx, q)
}

func (c *Client) listSubscriptions(ctx context.Context, q url.Values) (*SubscriptionPage, error) {
	var env struct {
		Subscriptions []json.RawMessage `json:"subscriptions"`
		Meta          Meta              `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", q, nil, &env); err != nil {
		return nil, fmt.Errorf("list ledger subscriptions: %w", err)
	}
	subs, err := decodeSubscriptions(env.Subscriptions)
	if err != nil {
		return nil, err
	}
	return &SubscriptionPage{Subscriptions: subs, Meta: env.Meta}, nil
}

// GetAllSubscriptions lists every subscription in the ledger. The ledger only
// paginates per status, so each status gets its own scan. A failing scan is
// logged and recorded but does not stop the others; only when every scan fails
// is the ledger considered unreachable.
func (c *Client) GetAllSubscriptions(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{
		Index:  make(subscription.ExternalIndex),
		Failed: make(map[subscription.Status]error),
	}

	for _, status := range subscription.LedgerStatuses {
		if err := c.scanStatus(ctx, status, res); err != nil {
			res.Failed[status] = err
			c.logger.Warn("subscription scan aborted for status",
				zap.String("status_filter", string(status)),
				zap.Error(err),
			)
		}
	}

	if len(res.Failed) == len(subscription.LedgerStatuses) {
		return res, fmt.Errorf("all %d status scans failed: %w", len(res.Failed), xerrors.ErrLedgerUnreachable)
	}

	c.logger.Info("ledger subscriptions retrieved",
		zap.Int("unique", len(res.Index)),
		zap.Int("failed_scans", len(res.Failed)),
	)
	return res, nil
}

func (c *Client) scanStatus(ctx context.Context, status subscription.Status, res *ScanResult) error {
	for page := 1; ; page++ {
		q := pageQuery(page, c.scanPerPage)
		q.Set("status", string(status))

		p, err := c.listSubscriptions(ctx, q)
		if err != nil {
			return err
		}

		c.logger.Debug("subscription page retrieved",
			zap.String("status_filter", string(status)),
			zap.Int("page", page),
			zap.Int("count", len(p.Subscriptions)),
		)

		for i := range p.Subscriptions {
			s := &p.Subscriptions[i]
			if s.ExternalID == "" {
				continue
			}
			rec, convErr := s.ToRecord()
			if convErr != nil {
				rec.DecodeErr = convErr
			}
			if _, seen := res.Index[s.ExternalID]; !seen {
				res.Order = append(res.Order, s.ExternalID)
			}
			// last write wins across statuses
			res.Index[s.ExternalID] = rec
		}

		if len(p.Subscriptions) == 0 || !p.Meta.HasMore() {
			return nil
		}
	}
}

// GetSubscriptionDetails returns nil, nil when the ledger answers 404.
func (c *Client) GetSubscriptionDetails(ctx context.Context, externalID string) (*subscription.ExternalSubscriptionRecord, error) {
	var env struct {
		Subscription json.RawMessage `json:"subscription"`
	}
	err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(externalID), nil, nil, &env)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger subscription %s: %w", externalID, err)
	}
	if len(env.Subscription) == 0 {
		return nil, fmt.Errorf("ledger subscription %s: empty body: %w", externalID, xerrors.ErrTransport)
	}
	subs, err := decodeSubscriptions([]json.RawMessage{env.Subscription})
	if err != nil {
		return nil, err
	}
	return subs[0].ToRecord()
}

func (c *Client) TerminateSubscription(ctx context.Context, externalID string) (*Subscription, error) {
	var env struct {
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(externalID), nil, nil, &env); err != nil {
		return nil, fmt.Errorf("terminate ledger subscription: %w", err)
	}
	if len(env.Subscription) == 0 {
		return &Subscription{ExternalID: externalID, Status: string(subscription.StatusTerminated)}, nil
	}
	subs, err := decodeSubscriptions([]json.RawMessage{env.Subscription})
	if err != nil {
		return nil, err
	}
	return &subs[0], nil
}

// LedgerIDOrFallback picks the id the ledger assigned, in the order the
// ledger has used over time.
func (s *Subscription) LedgerIDOrFallback(fallback string) string {
	if s.LagoID != "" {
		return s.LagoID
	}
	var legacy struct {
		ID json.RawMessage `json:"id"`
	}
	if len(s.Raw) > 0 && json.Unmarshal(s.Raw, &legacy) == nil && len(legacy.ID) > 0 {
		var str string
		if json.Unmarshal(legacy.ID, &str) == nil && str != "" {
			return str
		}
		var n int64
		if json.Unmarshal(legacy.ID, &n) == nil && n != 0 {
			return strconv.FormatInt(n, 10)
		}
	}
	return fallback
}
