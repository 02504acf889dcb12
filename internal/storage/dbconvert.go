package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// sqliteTimeLayout has a fixed-width fraction so TEXT columns sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t for a SQLite TEXT column.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseTime reads a timestamp written by formatTime. Empty strings map to the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		// Rows written by hand or by other tools usually use plain RFC3339.
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// textToPg maps an empty string to SQL NULL.
func textToPg(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func pgToText(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// timeToPg maps the zero time to SQL NULL.
func timeToPg(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func pgToTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
