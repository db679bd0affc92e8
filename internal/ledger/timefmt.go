package ledger

import (
	"fmt"
	"strings"
	"time"

	xerrors "billing-sync-service/internal/pkg/errors"
)

var acceptedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// ParseTime accepts the layouts callers and the ledger use in practice.
// Zone-less inputs are read as UTC.
func ParseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime value %q: %w", v, xerrors.ErrValidation)
}

// FormatTime is the single wire format for dates sent to the ledger.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NormalizeTime returns "" for empty input and the wire format otherwise.
func NormalizeTime(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", nil
	}
	t, err := ParseTime(v)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}
