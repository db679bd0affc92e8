package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"billing-sync-service/internal/db"
	"billing-sync-service/internal/domain/payment"
	"billing-sync-service/internal/domain/plan"
	"billing-sync-service/internal/domain/subscription"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("billing_test"),
		tcpostgres.WithUsername("billing"),
		tcpostgres.WithPassword("billing"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(url))

	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedTenant(t *testing.T, pool *pgxpool.Pool, name, email string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO tenants (name, email) VALUES ($1, $2) RETURNING id`, name, email).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestRepositories_Integration(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	tenantA := seedTenant(t, pool, "Acme", "ops@acme.test")
	tenantB := seedTenant(t, pool, "Globex", "billing@globex.test")

	subs := NewSubscriptionRepository(pool)
	payments := NewPaymentRepository(pool)
	tenants := NewTenantRepository(pool)
	plans := NewPlanRepository(NewDB(pool))

	t.Run("subscription external id is unique", func(t *testing.T) {
		s := &subscription.Subscription{
			TenantID:         tenantA,
			LedgerExternalID: sql.NullString{String: "sub_int_1", Valid: true},
			PlanCode:         "pro",
			PlanName:         "Pro",
			Status:           subscription.StatusActive,
			LedgerData:       []byte(`{"external_id":"sub_int_1"}`),
		}
		require.NoError(t, subs.Create(ctx, s))
		assert.NotZero(t, s.ID)

		dup := &subscription.Subscription{
			TenantID:         tenantB,
			LedgerExternalID: sql.NullString{String: "sub_int_1", Valid: true},
			Status:           subscription.StatusPending,
		}
		err := subs.Create(ctx, dup)
		assert.ErrorIs(t, err, xerrors.ErrPersistenceConflict)
	})

	t.Run("scoped listing", func(t *testing.T) {
		require.NoError(t, subs.Create(ctx, &subscription.Subscription{
			TenantID:         tenantB,
			LedgerExternalID: sql.NullString{String: "sub_int_2", Valid: true},
			Status:           subscription.StatusCanceled,
		}))

		fleet, err := subs.ListAll(ctx, subscription.FleetWide())
		require.NoError(t, err)
		assert.Len(t, fleet, 2)

		own, err := subs.ListAll(ctx, subscription.ForTenant(tenantB))
		require.NoError(t, err)
		require.Len(t, own, 1)
		assert.Equal(t, subscription.StatusCanceled, own[0].Status)

		_, err = subs.ListAll(ctx, subscription.Scope{})
		assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	})

	t.Run("ledger state update keeps tenant", func(t *testing.T) {
		s, err := subs.FindByExternalID(ctx, "sub_int_1")
		require.NoError(t, err)

		s.Status = subscription.StatusTerminated
		s.TerminatedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		require.NoError(t, subs.UpdateLedgerState(ctx, s))

		got, err := subs.FindByExternalID(ctx, "sub_int_1")
		require.NoError(t, err)
		assert.Equal(t, tenantA, got.TenantID)
		assert.Equal(t, subscription.StatusTerminated, got.Status)
		assert.True(t, got.TerminatedAt.Valid)

		require.NoError(t, subs.Delete(ctx, got.ID))
		assert.ErrorIs(t, subs.Delete(ctx, got.ID), xerrors.ErrNotFound)
	})

	t.Run("payment session id is unique", func(t *testing.T) {
		p := &payment.Payment{
			TenantID:  tenantA,
			SessionID: sql.NullString{String: "cs_test_1", Valid: true},
			Amount:    19.99,
			Currency:  "USD",
			Status:    payment.StatusPending,
			Metadata:  map[string]interface{}{"plan_code": "pro"},
		}
		require.NoError(t, payments.Create(ctx, p))
		assert.Equal(t, payment.GatewayStripe, p.Gateway)

		err := payments.Create(ctx, &payment.Payment{
			TenantID:  tenantA,
			SessionID: sql.NullString{String: "cs_test_1", Valid: true},
			Currency:  "USD",
			Status:    payment.StatusCompleted,
		})
		assert.ErrorIs(t, err, xerrors.ErrPersistenceConflict)

		p.Status = payment.StatusCompleted
		p.TransactionID = sql.NullString{String: "pi_1", Valid: true}
		p.PaidAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		require.NoError(t, payments.Update(ctx, p))

		late := *p
		late.SubscriptionID = sql.NullInt64{Int64: 99, Valid: true}
		err = payments.Update(ctx, &late)
		assert.ErrorIs(t, err, xerrors.ErrPersistenceConflict, "a settled payment is not overwritten")

		got, err := payments.FindByTransactionID(ctx, "pi_1")
		require.NoError(t, err)
		assert.Equal(t, payment.StatusCompleted, got.Status)
		assert.Equal(t, "pro", got.Metadata["plan_code"])
		assert.InDelta(t, 19.99, got.Amount, 0.001)
		assert.False(t, got.SubscriptionID.Valid)

		_, err = payments.FindBySessionID(ctx, "cs_missing")
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	})

	t.Run("tenant lookups", func(t *testing.T) {
		got, err := tenants.FindByEmail(ctx, "billing@globex.test")
		require.NoError(t, err)
		assert.Equal(t, tenantB, got.ID)

		require.NoError(t, tenants.SetLedgerCustomerID(ctx, tenantB, "lago_cust_1"))
		got, err = tenants.FindByID(ctx, tenantB)
		require.NoError(t, err)
		assert.True(t, got.HasLedgerCustomer())

		_, err = tenants.FindByID(ctx, 999999)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	})

	t.Run("catalog replace drops absent codes", func(t *testing.T) {
		first := []*plan.Plan{
			{LedgerPlanCode: "basic", Name: "Basic", AmountCents: 900, AmountCurrency: "CNY", Interval: plan.IntervalMonthly, IsActive: true},
			{LedgerPlanCode: "pro", Name: "Pro", AmountCents: 2900, AmountCurrency: "CNY", Interval: plan.IntervalMonthly, IsActive: true,
				Features: []map[string]interface{}{{"feature": "priority"}}},
		}
		deleted, err := plans.ReplaceCatalog(ctx, first)
		require.NoError(t, err)
		assert.Zero(t, deleted)

		deleted, err = plans.ReplaceCatalog(ctx, first[1:])
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)

		active, err := plans.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "pro", active[0].LedgerPlanCode)
		assert.Equal(t, "priority", active[0].Features[0]["feature"])

		_, err = plans.FindActiveByCode(ctx, "basic")
		assert.ErrorIs(t, err, xerrors.ErrNotFound)

		deleted, err = plans.ReplaceCatalog(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)
	})
}
