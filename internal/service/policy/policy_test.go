package policy

import (
	"database/sql"
	"testing"
	"time"

	"billing-sync-service/internal/domain/subscription"

	"github.com/stretchr/testify/assert"
)

func record(status subscription.Status, externalID string, createdAt time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		Status:           status,
		LedgerExternalID: sql.NullString{String: externalID, Valid: externalID != ""},
		CreatedAt:        createdAt,
	}
}

func TestMayDelete(t *testing.T) {
	now := time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	index := subscription.ExternalIndex{"sub_live": {ExternalID: "sub_live"}}

	cases := []struct {
		name   string
		rec    *subscription.Subscription
		want   bool
		reason Reason
	}{
		{"terminated absent", record(subscription.StatusTerminated, "sub_gone", old), false, ReasonTerminal},
		{"canceled absent", record(subscription.StatusCanceled, "sub_9", old), false, ReasonTerminal},
		{"terminal wins over presence", record(subscription.StatusCanceled, "sub_live", old), false, ReasonTerminal},
		{"active present", record(subscription.StatusActive, "sub_live", old), false, ReasonInLedger},
		{"pending fresh", record(subscription.StatusPending, "sub_new", now.Add(-59*time.Minute)), false, ReasonGrace},
		{"pending at boundary", record(subscription.StatusPending, "sub_new", now.Add(-time.Hour)), true, ReasonNone},
		{"active old absent", record(subscription.StatusActive, "sub_gone", old), true, ReasonNone},
		{"no external id", record(subscription.StatusActive, "", old), true, ReasonNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MayDelete(tc.rec, index, now))
			protected, reason := Protected(tc.rec, index, now)
			assert.Equal(t, !tc.want, protected)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestMayDelete_GraceWindowOverTime(t *testing.T) {
	created := time.Date(2025, 11, 20, 9, 0, 0, 0, time.UTC)
	rec := record(subscription.StatusPending, "sub_p", created)
	empty := subscription.ExternalIndex{}

	for _, offset := range []time.Duration{0, time.Minute, 30 * time.Minute, time.Hour - time.Nanosecond} {
		assert.False(t, MayDelete(rec, empty, created.Add(offset)), offset)
	}
	for _, offset := range []time.Duration{time.Hour, 2 * time.Hour, 30 * 24 * time.Hour} {
		assert.True(t, MayDelete(rec, empty, created.Add(offset)), offset)
	}
}
