package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Timestamps are stored as unix milliseconds. Zero maps to zero both ways.

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func encodeStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeStrings(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func encodeTimes(v []time.Time) (string, error) {
	ms := make([]int64, len(v))
	for i, t := range v {
		ms[i] = toMS(t)
	}
	b, err := json.Marshal(ms)
	return string(b), err
}

func decodeTimes(s string) ([]time.Time, error) {
	var ms []int64
	if err := json.Unmarshal([]byte(s), &ms); err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, nil
	}
	out := make([]time.Time, len(ms))
	for i, v := range ms {
		out[i] = fromMS(v)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
