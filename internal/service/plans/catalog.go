// Package plans mirrors the ledger's plan catalog into the local plans table.
package plans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"billing-sync-service/internal/domain/plan"
	"billing-sync-service/internal/ledger"
	"billing-sync-service/internal/pkg/cache"

	"go.uber.org/zap"
)

type Ledger interface {
	GetAllPlans(ctx context.Context) ([]ledger.Plan, error)
}

type Store interface {
	ListActive(ctx context.Context) ([]*plan.Plan, error)
	FindActiveByCode(ctx context.Context, code string) (*plan.Plan, error)
	ReplaceCatalog(ctx context.Context, plans []*plan.Plan) (int64, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const (
	activeKey = "plans:active"
	ledgerKey = "plans:ledger"
)

type Catalog struct {
	ledger Ledger
	store  Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCatalog accepts a nil cache; every read then goes to the store.
func NewCatalog(l Ledger, store Store, c Cache, ttl time.Duration, logger *zap.Logger) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{ledger: l, store: store, cache: c, ttl: ttl, logger: logger.Named("plans")}
}

// SyncFromLedger replaces the local catalog with the ledger's. Plans the
// ledger no longer lists are deleted.
func (c *Catalog) SyncFromLedger(ctx context.Context) (*plan.SyncResult, error) {
	remote, err := c.ledger.GetAllPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger plans: %w", err)
	}

	local := make([]*plan.Plan, 0, len(remote))
	res := &plan.SyncResult{Codes: make([]string, 0, len(remote))}
	for i := range remote {
		if remote[i].Code == "" {
			c.logger.Warn("skipping ledger plan without code", zap.String("lago_id", remote[i].LagoID))
			continue
		}
		p := FromLedger(&remote[i])
		local = append(local, p)
		res.Codes = append(res.Codes, p.LedgerPlanCode)
	}

	deleted, err := c.store.ReplaceCatalog(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("replace plan catalog: %w", err)
	}
	res.Upserted = len(local)
	res.Deleted = int(deleted)

	c.refreshCache(ctx, remote)
	c.logger.Info("plan catalog synced",
		zap.Int("upserted", res.Upserted),
		zap.Int("deleted", res.Deleted),
	)
	return res, nil
}

func (c *Catalog) refreshCache(ctx context.Context, remote []ledger.Plan) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, activeKey); err != nil {
		c.logger.Warn("failed to invalidate plan cache", zap.Error(err))
	}
	if err := c.cache.SetJSON(ctx, ledgerKey, remote, c.ttl); err != nil {
		c.logger.Warn("failed to cache ledger plans", zap.Error(err))
	}
}

// FromLedger maps a ledger plan onto a catalog row.
func FromLedger(lp *ledger.Plan) *plan.Plan {
	p := &plan.Plan{
		LedgerPlanCode: lp.Code,
		Name:           lp.Name,
		Description:    sql.NullString{String: lp.Description, Valid: true},
		AmountCents:    lp.AmountCents,
		AmountCurrency: lp.AmountCurrency,
		Interval:       plan.NormalizeInterval(lp.Interval),
		TrialPeriod:    int(lp.TrialPeriod),
		IsActive:       true,
		LedgerData:     lp.Raw,
	}
	if p.Name == "" {
		p.Name = lp.Code
	}
	if p.AmountCurrency == "" {
		p.AmountCurrency = plan.DefaultCurrency
	}
	for _, f := range lp.Features() {
		p.Features = append(p.Features, map[string]interface{}{"feature": f})
	}
	return p
}

// LedgerPlans returns the ledger's plan list, served from cache when fresh.
func (c *Catalog) LedgerPlans(ctx context.Context) ([]ledger.Plan, error) {
	var cached []ledger.Plan
	if c.cache != nil {
		err := c.cache.GetJSON(ctx, ledgerKey, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("plan cache read failed", zap.Error(err))
		}
	}

	remote, err := c.ledger.GetAllPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger plans: %w", err)
	}
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, ledgerKey, remote, c.ttl); err != nil {
			c.logger.Warn("failed to cache ledger plans", zap.Error(err))
		}
	}
	return remote, nil
}

// ListActive returns the active catalog ordered for display.
func (c *Catalog) ListActive(ctx context.Context) ([]plan.PlanView, error) {
	var views []plan.PlanView
	if c.cache != nil {
		err := c.cache.GetJSON(ctx, activeKey, &views)
		if err == nil {
			return views, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("plan cache read failed", zap.Error(err))
		}
	}

	rows, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	views = make([]plan.PlanView, 0, len(rows))
	for _, p := range rows {
		views = append(views, plan.ToView(p))
	}
	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, activeKey, views, c.ttl); err != nil {
			c.logger.Warn("failed to cache active plans", zap.Error(err))
		}
	}
	return views, nil
}

func (c *Catalog) GetActiveByCode(ctx context.Context, code string) (*plan.Plan, error) {
	p, err := c.store.FindActiveByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("find plan %s: %w", code, err)
	}
	return p, nil
}
