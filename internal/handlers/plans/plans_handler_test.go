package plans

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing-sync-service/internal/domain/plan"
	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stubCatalog struct {
	views   []plan.PlanView
	sync    *plan.SyncResult
	syncErr error
}

func (s *stubCatalog) ListActive(context.Context) ([]plan.PlanView, error) { return s.views, nil }

func (s *stubCatalog) SyncFromLedger(context.Context) (*plan.SyncResult, error) {
	return s.sync, s.syncErr
}

func TestPlansHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := &stubCatalog{
		views: []plan.PlanView{{Code: "pro", Name: "Pro", AmountCents: 1999, AmountCurrency: "USD", Interval: plan.IntervalMonthly}},
		sync:  &plan.SyncResult{Upserted: 2, Deleted: 1, Codes: []string{"basic", "pro"}},
	}
	h := NewPlansHandler(catalog)
	r := gin.New()
	r.GET("/plans", h.ListActive)
	r.POST("/admin/plans/sync", h.Sync)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plans", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"pro"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/plans/sync", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"upserted":2`)

	catalog.syncErr = fmt.Errorf("list plans: %w", xerrors.ErrTransport)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/plans/sync", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	catalog.syncErr = errors.New("boom")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/plans/sync", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
