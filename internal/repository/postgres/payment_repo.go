// internal/repository/postgres/payment_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"billing-sync-service/internal/domain/payment"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `
	id, tenant_id, subscription_id, gateway, transaction_id, session_id, plan_code,
	amount, currency, status, description, metadata, paid_at, created_at, updated_at`

type PaymentRepository struct {
	db Querier
}

func NewPaymentRepository(db Querier) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a payment. session_id is unique, so a second insert for the
// same checkout returns ErrPersistenceConflict.
func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	query := `
		INSERT INTO subscription_payments (
			tenant_id, subscription_id, gateway, transaction_id, session_id, plan_code,
			amount, currency, status, description, metadata, paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}
	if p.Gateway == "" {
		p.Gateway = payment.GatewayStripe
	}

	err = r.db.QueryRow(
		ctx, query,
		p.TenantID, p.SubscriptionID, p.Gateway, p.TransactionID, p.SessionID, p.PlanCode,
		p.Amount, p.Currency, string(p.Status), p.Description, metadataJSON, p.PaidAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)

	return mapError(err, "create payment")
}

func (r *PaymentRepository) FindBySessionID(ctx context.Context, sessionID string) (*payment.Payment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM subscription_payments WHERE session_id = $1`, sessionID)
	return scanPayment(row)
}

// FindByTransactionID returns the most recent payment for a gateway transaction.
func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM subscription_payments
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, transactionID)
	return scanPayment(row)
}

// Update settles a payment that is not completed yet. When another writer
// completed the row first, nothing is written and ErrPersistenceConflict is
// returned.
func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	query := `
		UPDATE subscription_payments
		SET subscription_id = $2,
		    transaction_id = $3,
		    status = $4,
		    metadata = $5,
		    paid_at = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
		RETURNING updated_at
	`

	metadataJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, query,
		p.ID, p.SubscriptionID, p.TransactionID, string(p.Status), metadataJSON, p.PaidAt,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("payment %d already settled: %w", p.ID, xerrors.ErrPersistenceConflict)
	}

	return mapError(err, "update payment")
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, id int64, status payment.Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE subscription_payments SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func scanPayment(row pgx.Row) (*payment.Payment, error) {
	var (
		p            payment.Payment
		status       string
		metadataJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SubscriptionID, &p.Gateway, &p.TransactionID, &p.SessionID, &p.PlanCode,
		&p.Amount, &p.Currency, &status, &p.Description, &metadataJSON, &p.PaidAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, "scan payment")
	}
	p.Status = payment.Status(status)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}
