// internal/domain/plan/dto.go
package plan

// SyncResult reports one catalog sync from the ledger.
type SyncResult struct {
	Upserted int      `json:"upserted"`
	Deleted  int      `json:"deleted"`
	Codes    []string `json:"codes"`
}

// PlanView is what the pricing page renders.
type PlanView struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	AmountCents    int64    `json:"amount_cents"`
	AmountCurrency string   `json:"amount_currency"`
	Interval       Interval `json:"interval"`
	TrialPeriod    int      `json:"trial_period"`
	Features       []string `json:"features"`
	Highlights     []string `json:"highlights"`
	IsPopular      bool     `json:"is_popular"`
}

const defaultFeature = "Standard AI model access permissions"

// ToView flattens the stored feature rows into display strings.
func ToView(p *Plan) PlanView {
	view := PlanView{
		Code:           p.LedgerPlanCode,
		Name:           p.Name,
		Description:    "AI model subscription service",
		AmountCents:    p.AmountCents,
		AmountCurrency: p.AmountCurrency,
		Interval:       p.Interval,
		TrialPeriod:    p.TrialPeriod,
		Features:       pluck(p.Features, "feature"),
		Highlights:     pluck(p.Highlights, "highlight"),
		IsPopular:      p.IsPopular,
	}
	if p.Description.Valid && p.Description.String != "" {
		view.Description = p.Description.String
	}
	if len(view.Features) == 0 {
		view.Features = []string{defaultFeature}
	}
	return view
}

func pluck(rows []map[string]interface{}, key string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := row[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
