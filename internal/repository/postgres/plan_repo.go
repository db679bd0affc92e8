// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"billing-sync-service/internal/domain/plan"

	"github.com/jackc/pgx/v5"
)

const planColumns = `
	id, ledger_plan_code, name, description, amount_cents, amount_currency, interval,
	trial_period, features, highlights, is_active, is_popular, sort_order, ledger_data,
	created_at, updated_at`

type PlanRepository struct {
	db *DB
}

func NewPlanRepository(db *DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// ListActive returns the sellable catalog in display order.
func (r *PlanRepository) ListActive(ctx context.Context) ([]*plan.Plan, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE is_active = TRUE
		ORDER BY sort_order ASC, amount_cents ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return out, nil
}

func (r *PlanRepository) FindActiveByCode(ctx context.Context, code string) (*plan.Plan, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+planColumns+` FROM plans
		WHERE ledger_plan_code = $1 AND is_active = TRUE`, code)
	return scanPlan(row)
}

// ReplaceCatalog upserts plans by code and deletes every local plan whose
// code is not among them, in one transaction. An empty catalog clears the table.
func (r *PlanRepository) ReplaceCatalog(ctx context.Context, plans []*plan.Plan) (int64, error) {
	codes := make([]string, 0, len(plans))
	for _, p := range plans {
		codes = append(codes, p.LedgerPlanCode)
	}

	var deleted int64
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM plans WHERE NOT (ledger_plan_code = ANY($1::text[]))`, codes)
		if err != nil {
			return fmt.Errorf("failed to delete stale plans: %w", err)
		}
		deleted = tag.RowsAffected()

		for _, p := range plans {
			if err := upsertPlan(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

func upsertPlan(ctx context.Context, q Querier, p *plan.Plan) error {
	query := `
		INSERT INTO plans (
			ledger_plan_code, name, description, amount_cents, amount_currency, interval,
			trial_period, features, highlights, is_active, ledger_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ledger_plan_code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			amount_cents = EXCLUDED.amount_cents,
			amount_currency = EXCLUDED.amount_currency,
			interval = EXCLUDED.interval,
			trial_period = EXCLUDED.trial_period,
			features = EXCLUDED.features,
			is_active = EXCLUDED.is_active,
			ledger_data = EXCLUDED.ledger_data,
			updated_at = NOW()
		RETURNING id, is_popular, sort_order, created_at, updated_at
	`

	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	highlights, err := json.Marshal(p.Highlights)
	if err != nil {
		return fmt.Errorf("failed to marshal highlights: %w", err)
	}

	err = q.QueryRow(ctx, query,
		p.LedgerPlanCode, p.Name, p.Description, p.AmountCents, p.AmountCurrency, string(p.Interval),
		p.TrialPeriod, features, highlights, p.IsActive, nullableJSON(p.LedgerData),
	).Scan(&p.ID, &p.IsPopular, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt)

	return mapError(err, "upsert plan "+p.LedgerPlanCode)
}

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	var (
		p                    plan.Plan
		interval             string
		features, highlights []byte
		raw                  []byte
	)
	err := row.Scan(
		&p.ID, &p.LedgerPlanCode, &p.Name, &p.Description, &p.AmountCents, &p.AmountCurrency, &interval,
		&p.TrialPeriod, &features, &highlights, &p.IsActive, &p.IsPopular, &p.SortOrder, &raw,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "scan plan")
	}
	p.Interval = plan.Interval(interval)
	p.LedgerData = raw

	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}
	if len(highlights) > 0 {
		if err := json.Unmarshal(highlights, &p.Highlights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal highlights: %w", err)
		}
	}
	return &p, nil
}
