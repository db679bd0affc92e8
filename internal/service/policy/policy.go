// Package policy decides when a local subscription may be removed.
package policy

import (
	"time"

	"billing-sync-service/internal/domain/subscription"
)

// GracePeriod shields freshly created records from a scan that predates them.
const GracePeriod = time.Hour

type Reason string

const (
	ReasonNone     Reason = ""
	ReasonTerminal Reason = "terminal_status"
	ReasonInLedger Reason = "present_in_ledger"
	ReasonGrace    Reason = "within_grace_window"
)

// Protected evaluates the rules in priority order and reports the first one
// that protects the record.
func Protected(rec *subscription.Subscription, index subscription.ExternalIndex, now time.Time) (bool, Reason) {
	switch {
	case rec.Status.IsTerminal():
		return true, ReasonTerminal
	case index.Contains(rec.ExternalID()):
		return true, ReasonInLedger
	case now.Sub(rec.CreatedAt) < GracePeriod:
		return true, ReasonGrace
	}
	return false, ReasonNone
}

// MayDelete is true only for a non-terminal record that is absent from the
// ledger and older than the grace window.
func MayDelete(rec *subscription.Subscription, index subscription.ExternalIndex, now time.Time) bool {
	protected, _ := Protected(rec, index, now)
	return !protected
}
