// Package reconcile converges the local subscription table onto the
// billing ledger's subscription set.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"billing-sync-service/internal/domain/subscription"
	"billing-sync-service/internal/domain/tenant"
	"billing-sync-service/internal/ledger"
	"billing-sync-service/internal/metrics"
	xerrors "billing-sync-service/internal/pkg/errors"
	"billing-sync-service/internal/service/policy"

	"go.uber.org/zap"
)

type Ledger interface {
	GetAllSubscriptions(ctx context.Context) (*ledger.ScanResult, error)
	GetSubscriptionDetails(ctx context.Context, externalID string) (*subscription.ExternalSubscriptionRecord, error)
	TerminateSubscription(ctx context.Context, externalID string) (*ledger.Subscription, error)
}

type Store interface {
	ListAll(ctx context.Context, scope subscription.Scope) ([]*subscription.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error)
	Create(ctx context.Context, s *subscription.Subscription) error
	UpdateLedgerState(ctx context.Context, s *subscription.Subscription) error
	Delete(ctx context.Context, id int64) error
}

type TenantResolver interface {
	ResolveByExternalCustomerID(ctx context.Context, externalID string) *tenant.Tenant
}

// Notifier receives the summary of every finished pass.
type Notifier interface {
	NotifyAdmins(eventType string, payload interface{})
}

const EventReconcileFinished = "billing.reconcile.finished"

type Engine struct {
	ledger   Ledger
	store    Store
	tenants  TenantResolver
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(l Ledger, store Store, tenants TenantResolver, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		ledger:  l,
		store:   store,
		tenants: tenants,
		logger:  logger.Named("reconcile"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one full pass: fetch, upsert, delete, self-heal. Only a ledger
// that cannot be reached at all, or a local store that cannot be listed,
// fails the pass; every per-record problem lands in the summary.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	started := e.now()
	sum := &Summary{StartedAt: started, Errors: []string{}}

	err := e.run(ctx, sum)
	sum.FinishedAt = e.now()
	e.metrics.ObserveRun(started, err)
	if err != nil {
		e.logger.Error("reconciliation aborted", zap.Error(err))
		return sum, err
	}

	for _, r := range sum.Results {
		e.metrics.RecordOutcome(string(r.Outcome))
	}
	e.logger.Info("reconciliation completed",
		zap.Int("synced", sum.Synced),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("deleted", sum.Deleted),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", len(sum.Errors)),
		zap.Duration("took", sum.FinishedAt.Sub(started)),
	)
	if e.notifier != nil {
		e.notifier.NotifyAdmins(EventReconcileFinished, sum)
	}
	return sum, nil
}

func (e *Engine) run(ctx context.Context, sum *Summary) error {
	scan, err := e.ledger.GetAllSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("fetch ledger subscriptions: %w", err)
	}
	for status, scanErr := range scan.Failed {
		sum.FailedScans = append(sum.FailedScans, string(status))
		sum.Errors = append(sum.Errors, fmt.Sprintf("scan of %s subscriptions failed: %v", status, scanErr))
	}
	sort.Strings(sum.FailedScans)

	local, err := e.store.ListAll(ctx, subscription.FleetWide())
	if err != nil {
		return fmt.Errorf("load local subscriptions: %w", err)
	}
	e.logger.Info("reconciliation started",
		zap.Int("ledger_count", len(scan.Index)),
		zap.Int("local_count", len(local)),
	)

	idx := newLocalIndex(local)
	for _, rec := range scan.Records() {
		e.upsert(ctx, rec, idx, sum)
	}

	remaining := e.deletePass(ctx, scan, sum)
	if remaining == nil {
		return nil
	}
	e.healPass(ctx, remaining, scan.Index, sum)
	return nil
}

// ----- upsert -----

type localIndex struct {
	byExternal map[string]*subscription.Subscription
	byLedgerID map[string]*subscription.Subscription
}

func newLocalIndex(subs []*subscription.Subscription) *localIndex {
	idx := &localIndex{
		byExternal: make(map[string]*subscription.Subscription, len(subs)),
		byLedgerID: make(map[string]*subscription.Subscription, len(subs)),
	}
	for _, s := range subs {
		idx.put(s)
	}
	return idx
}

func (i *localIndex) put(s *subscription.Subscription) {
	if id := s.ExternalID(); id != "" {
		i.byExternal[id] = s
	}
	if s.LedgerSubscriptionID.Valid && s.LedgerSubscriptionID.String != "" {
		i.byLedgerID[s.LedgerSubscriptionID.String] = s
	}
}

// match prefers the correlation id and falls back to the ledger's own id.
func (i *localIndex) match(rec *subscription.ExternalSubscriptionRecord) *subscription.Subscription {
	if s, ok := i.byExternal[rec.ExternalID]; ok {
		return s
	}
	if rec.LedgerID != "" {
		if s, ok := i.byLedgerID[rec.LedgerID]; ok {
			return s
		}
	}
	return nil
}

func (e *Engine) upsert(ctx context.Context, rec *subscription.ExternalSubscriptionRecord, idx *localIndex, sum *Summary) {
	res := RecordResult{Phase: PhaseUpsert, ExternalID: rec.ExternalID}
	if rec.ExternalID == "" {
		res.Outcome, res.Reason = OutcomeSkipped, "missing external_id"
		sum.add(res)
		return
	}
	if rec.DecodeErr != nil {
		sum.fail(res, fmt.Sprintf("sync subscription %s: %v", rec.ExternalID, rec.DecodeErr))
		return
	}

	if existing := idx.match(rec); existing != nil {
		res.LocalID = existing.ID
		next := *existing
		prevStatus := existing.Status
		if !applyLedgerState(&next, rec) {
			res.Outcome = OutcomeUnchanged
			sum.add(res)
			return
		}
		if err := e.store.UpdateLedgerState(ctx, &next); err != nil {
			sum.fail(res, fmt.Sprintf("update subscription %s: %v", rec.ExternalID, err))
			return
		}
		*existing = next
		idx.put(existing)
		if prevStatus != next.Status {
			e.logger.Info("subscription status changed",
				zap.String("external_id", rec.ExternalID),
				zap.String("old_status", string(prevStatus)),
				zap.String("new_status", string(next.Status)),
			)
		}
		res.Outcome = OutcomeUpdated
		sum.add(res)
		return
	}

	if rec.ExternalCustomerID == "" {
		res.Outcome, res.Reason = OutcomeSkipped, "missing external_customer_id"
		sum.add(res)
		return
	}
	t := e.tenants.ResolveByExternalCustomerID(ctx, rec.ExternalCustomerID)
	if t == nil {
		e.logger.Warn("tenant not found for ledger subscription",
			zap.String("external_id", rec.ExternalID),
			zap.String("external_customer_id", rec.ExternalCustomerID),
		)
		res.Outcome, res.Reason = OutcomeSkipped, xerrors.ErrTenantResolution.Error()
		sum.add(res)
		return
	}

	s := &subscription.Subscription{TenantID: t.ID}
	applyLedgerState(s, rec)
	if err := e.store.Create(ctx, s); err != nil {
		if errors.Is(err, xerrors.ErrPersistenceConflict) {
			res.Outcome, res.Reason = OutcomeSkipped, "already created concurrently"
			sum.add(res)
			return
		}
		sum.fail(res, fmt.Sprintf("create subscription %s: %v", rec.ExternalID, err))
		return
	}
	idx.put(s)
	e.logger.Info("subscription created from ledger",
		zap.String("external_id", rec.ExternalID),
		zap.Int64("tenant_id", t.ID),
		zap.String("status", string(s.Status)),
	)
	res.LocalID = s.ID
	res.Outcome = OutcomeCreated
	sum.add(res)
}

// applyLedgerState overwrites the ledger-owned fields of s with rec and
// reports whether anything actually changed.
func applyLedgerState(s *subscription.Subscription, rec *subscription.ExternalSubscriptionRecord) bool {
	changed := false
	setStr := func(dst *sql.NullString, v string) {
		next := sql.NullString{String: v, Valid: v != ""}
		if *dst != next {
			*dst = next
			changed = true
		}
	}
	setTime := func(dst *sql.NullTime, v *time.Time) {
		next := sql.NullTime{}
		if v != nil {
			next = sql.NullTime{Time: v.UTC(), Valid: true}
		}
		if dst.Valid != next.Valid || (next.Valid && !dst.Time.Equal(next.Time)) {
			*dst = next
			changed = true
		}
	}

	setStr(&s.LedgerSubscriptionID, rec.LedgerID)
	setStr(&s.LedgerExternalID, rec.ExternalID)
	if s.PlanCode != rec.PlanCode {
		s.PlanCode = rec.PlanCode
		changed = true
	}
	if name := rec.DisplayName(); s.PlanName != name {
		s.PlanName = name
		changed = true
	}
	if s.Status != rec.Status {
		s.Status = rec.Status
		changed = true
	}
	setTime(&s.SubscriptionAt, rec.SubscriptionAt)
	setTime(&s.StartedAt, rec.StartedAt)
	setTime(&s.EndingAt, rec.EndingAt)
	setTime(&s.TerminatedAt, rec.TerminatedAt)
	if !sameJSON(s.LedgerData, rec.Raw) {
		s.LedgerData = rec.Raw
		changed = true
	}
	return changed
}

// sameJSON compares documents by value; jsonb does not keep key order.
func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	return reflect.DeepEqual(va, vb)
}

// ----- delete -----

// deletePass removes unprotected records and returns the surviving set, or
// nil when the local set could not be reloaded.
func (e *Engine) deletePass(ctx context.Context, scan *ledger.ScanResult, sum *Summary) []*subscription.Subscription {
	local, err := e.store.ListAll(ctx, subscription.FleetWide())
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("reload local subscriptions: %v", err))
		return nil
	}

	if len(scan.Failed) > 0 {
		e.logger.Warn("skipping deletion pass after incomplete ledger scan",
			zap.Strings("failed_scans", sum.FailedScans))
		return local
	}

	now := e.now()
	kept := make([]*subscription.Subscription, 0, len(local))
	for _, s := range local {
		res := RecordResult{Phase: PhaseDelete, ExternalID: s.ExternalID(), LocalID: s.ID}

		// Records never linked to the ledger are not ours to remove.
		if s.ExternalID() == "" {
			kept = append(kept, s)
			continue
		}
		if protected, reason := policy.Protected(s, scan.Index, now); protected {
			if reason != policy.ReasonInLedger {
				e.logger.Debug("subscription protected from deletion",
					zap.Int64("subscription_id", s.ID),
					zap.String("external_id", s.ExternalID()),
					zap.String("status", string(s.Status)),
					zap.String("reason", string(reason)),
				)
				res.Outcome, res.Reason = OutcomeProtected, string(reason)
				sum.add(res)
			}
			kept = append(kept, s)
			continue
		}

		if err := e.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, xerrors.ErrNotFound) {
			sum.fail(res, fmt.Sprintf("delete subscription %d: %v", s.ID, err))
			kept = append(kept, s)
			continue
		}
		e.logger.Info("subscription deleted, absent from ledger",
			zap.Int64("subscription_id", s.ID),
			zap.String("external_id", s.ExternalID()),
			zap.String("status", string(s.Status)),
		)
		res.Outcome = OutcomeDeleted
		sum.add(res)
	}
	return kept
}

// ----- self-heal -----

// healPass asks the ledger about every live record the bulk scan missed.
// A 404 means the subscription is gone: it becomes terminated, not deleted.
func (e *Engine) healPass(ctx context.Context, local []*subscription.Subscription, index subscription.ExternalIndex, sum *Summary) {
	for _, s := range local {
		extID := s.ExternalID()
		if extID == "" || !s.Status.IsLive() || index.Contains(extID) {
			continue
		}
		res := RecordResult{Phase: PhaseHeal, ExternalID: extID, LocalID: s.ID}

		detail, err := e.ledger.GetSubscriptionDetails(ctx, extID)
		if err != nil {
			sum.fail(res, fmt.Sprintf("check subscription %s: %v", extID, err))
			continue
		}

		now := e.now()
		next := *s
		if detail == nil {
			next.Status = subscription.StatusTerminated
			next.TerminatedAt = sql.NullTime{Time: now, Valid: true}
		} else {
			if detail.Status == s.Status {
				res.Outcome = OutcomeUnchanged
				sum.add(res)
				continue
			}
			next.Status = detail.Status
			next.LedgerData = detail.Raw
			if detail.TerminatedAt != nil {
				next.TerminatedAt = sql.NullTime{Time: detail.TerminatedAt.UTC(), Valid: true}
			}
		}

		if err := e.store.UpdateLedgerState(ctx, &next); err != nil {
			sum.fail(res, fmt.Sprintf("update missing subscription %s: %v", extID, err))
			continue
		}
		e.logger.Info("missing subscription status refreshed",
			zap.Int64("subscription_id", s.ID),
			zap.String("external_id", extID),
			zap.String("old_status", string(s.Status)),
			zap.String("new_status", string(next.Status)),
			zap.Bool("ledger_404", detail == nil),
		)
		*s = next
		res.Outcome = OutcomeUpdated
		sum.add(res)
	}
}

// Terminate ends a subscription in the ledger and mirrors the result locally.
func (e *Engine) Terminate(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	local, err := e.store.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", externalID, err)
	}
	if local.Status.IsTerminal() {
		return local, nil
	}

	ls, err := e.ledger.TerminateSubscription(ctx, externalID)
	if err != nil {
		return nil, err
	}
	rec, convErr := ls.ToRecord()
	if convErr != nil {
		e.logger.Warn("terminated subscription returned unreadable fields",
			zap.String("external_id", externalID), zap.Error(convErr))
	}

	next := *local
	next.Status = subscription.StatusTerminated
	if rec != nil && rec.Status.IsTerminal() {
		next.Status = rec.Status
	}
	next.TerminatedAt = sql.NullTime{Time: e.now(), Valid: true}
	if rec != nil && rec.TerminatedAt != nil {
		next.TerminatedAt = sql.NullTime{Time: rec.TerminatedAt.UTC(), Valid: true}
	}
	if len(ls.Raw) > 0 {
		next.LedgerData = ls.Raw
	}
	if err := e.store.UpdateLedgerState(ctx, &next); err != nil {
		return nil, err
	}
	e.logger.Info("subscription terminated",
		zap.String("external_id", externalID),
		zap.Int64("tenant_id", next.TenantID),
	)
	return &next, nil
}
