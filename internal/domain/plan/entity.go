// internal/domain/plan/entity.go
package plan

import (
	"database/sql"
	"encoding/json"
	"time"
)

type Interval string

const (
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

const DefaultCurrency = "CNY"

// NormalizeInterval maps ledger intervals onto the three we sell, falling back to monthly.
func NormalizeInterval(v string) Interval {
	switch Interval(v) {
	case IntervalWeekly, IntervalMonthly, IntervalYearly:
		return Interval(v)
	}
	return IntervalMonthly
}

// Plan is the local catalog entry mirrored from the ledger.
type Plan struct {
	ID             int64          `json:"id" db:"id"`
	LedgerPlanCode string         `json:"code" db:"ledger_plan_code"`
	Name           string         `json:"name" db:"name"`
	Description    sql.NullString `json:"description,omitempty" db:"description"`

	AmountCents    int64    `json:"amount_cents" db:"amount_cents"`
	AmountCurrency string   `json:"amount_currency" db:"amount_currency"`
	Interval       Interval `json:"interval" db:"interval"`
	TrialPeriod    int      `json:"trial_period" db:"trial_period"`

	Features   []map[string]interface{} `json:"features,omitempty" db:"features"`
	Highlights []map[string]interface{} `json:"highlights,omitempty" db:"highlights"`

	IsActive  bool `json:"is_active" db:"is_active"`
	IsPopular bool `json:"is_popular" db:"is_popular"`
	SortOrder int  `json:"sort_order" db:"sort_order"`

	LedgerData json.RawMessage `json:"-" db:"ledger_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Amount converts cents into major units.
func (p *Plan) Amount() float64 {
	return float64(p.AmountCents) / 100
}
