// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"fmt"

	"billing-sync-service/internal/domain/subscription"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	id, tenant_id, ledger_subscription_id, ledger_external_id, plan_code, plan_name,
	status, subscription_at, started_at, ending_at, terminated_at, ledger_data,
	created_at, updated_at`

type SubscriptionRepository struct {
	db Querier
}

func NewSubscriptionRepository(db Querier) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a subscription. A duplicate ledger_external_id is reported
// as ErrPersistenceConflict.
func (r *SubscriptionRepository) Create(ctx context.Context, s *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			tenant_id, ledger_subscription_id, ledger_external_id, plan_code, plan_name,
			status, subscription_at, started_at, ending_at, terminated_at, ledger_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(
		ctx, query,
		s.TenantID, s.LedgerSubscriptionID, s.LedgerExternalID, s.PlanCode, s.PlanName,
		string(s.Status), s.SubscriptionAt, s.StartedAt, s.EndingAt, s.TerminatedAt,
		nullableJSON(s.LedgerData),
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)

	return mapError(err, "create subscription")
}

// ListAll returns every subscription visible under scope.
func (r *SubscriptionRepository) ListAll(ctx context.Context, scope subscription.Scope) ([]*subscription.Subscription, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case scope.Fleet:
		rows, err = r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
	case scope.TenantID > 0:
		rows, err = r.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC`, scope.TenantID)
	default:
		return nil, fmt.Errorf("subscription scope needs a tenant or fleet mode: %w", xerrors.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return out, nil
}

// FindByExternalID looks a subscription up by its ledger correlation id.
func (r *SubscriptionRepository) FindByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE ledger_external_id = $1`, externalID)
	return scanSubscription(row)
}

// UpdateLedgerState writes the ledger-owned fields. tenant_id is never touched.
func (r *SubscriptionRepository) UpdateLedgerState(ctx context.Context, s *subscription.Subscription) error {
	query := `
		UPDATE subscriptions
		SET ledger_subscription_id = $2,
		    ledger_external_id = $3,
		    plan_code = $4,
		    plan_name = $5,
		    status = $6,
		    subscription_at = $7,
		    started_at = $8,
		    ending_at = $9,
		    terminated_at = $10,
		    ledger_data = $11,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(
		ctx, query,
		s.ID, s.LedgerSubscriptionID, s.LedgerExternalID, s.PlanCode, s.PlanName,
		string(s.Status), s.SubscriptionAt, s.StartedAt, s.EndingAt, s.TerminatedAt,
		nullableJSON(s.LedgerData),
	).Scan(&s.UpdatedAt)

	return mapError(err, "update subscription")
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var (
		s      subscription.Subscription
		status string
		raw    []byte
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.LedgerSubscriptionID, &s.LedgerExternalID, &s.PlanCode, &s.PlanName,
		&status, &s.SubscriptionAt, &s.StartedAt, &s.EndingAt, &s.TerminatedAt, &raw,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "scan subscription")
	}
	s.Status = subscription.Status(status)
	s.LedgerData = raw
	return &s, nil
}
