package tenant

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing-sync-service/internal/domain/tenant"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubSyncer map[int64]*tenant.LedgerCustomerResponse

func (s stubSyncer) SyncTenantCustomer(_ context.Context, tenantID int64) (*tenant.LedgerCustomerResponse, error) {
	if resp, ok := s[tenantID]; ok {
		return resp, nil
	}
	return nil, fmt.Errorf("tenant %d: %w", tenantID, xerrors.ErrNotFound)
}

func TestSyncLedgerCustomer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewTenantHandler(stubSyncer{
		1: {TenantID: 1, LedgerCustomerID: "1", Created: true},
		2: {TenantID: 2, LedgerCustomerID: "2"},
	})
	r := gin.New()
	r.POST("/admin/tenants/:id/ledger-customer", h.SyncLedgerCustomer)

	cases := []struct {
		path string
		want int
	}{
		{"/admin/tenants/1/ledger-customer", http.StatusCreated},
		{"/admin/tenants/2/ledger-customer", http.StatusOK},
		{"/admin/tenants/3/ledger-customer", http.StatusNotFound},
		{"/admin/tenants/abc/ledger-customer", http.StatusBadRequest},
		{"/admin/tenants/-4/ledger-customer", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tc.path, nil))
		assert.Equal(t, tc.want, w.Code, tc.path)
	}
}
