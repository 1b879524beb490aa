package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Normalize converts raw records of the default event kind into canonical
// events. Records of other kinds or without a resolvable signer are dropped.
// The result is in input order; sorting belongs to Merge.
func Normalize(records []RawEventRecord, now time.Time) []CanonicalEvent {
	return NormalizeKind(EventName, records, now)
}

// NormalizeKind is Normalize for an arbitrary event kind.
func NormalizeKind(kind string, records []RawEventRecord, now time.Time) []CanonicalEvent {
	out := make([]CanonicalEvent, 0, len(records))
	for i := range records {
		if ev, ok := normalizeOne(kind, &records[i], now); ok {
			out = append(out, ev)
		}
	}
	return out
}

func normalizeOne(kind string, rec *RawEventRecord, now time.Time) (ev CanonicalEvent, ok bool) {
	// A misbehaving arg value must only cost its own record.
	defer func() {
		if r := recover(); r != nil {
			ev, ok = CanonicalEvent{}, false
		}
	}()

	if rec.EventName != kind {
		return CanonicalEvent{}, false
	}
	signer, found := extractSigner(rec)
	if !found {
		return CanonicalEvent{}, false
	}
	ts, found := parseTimestamp(argValue(rec, 1, "timestamp"))
	if !found {
		ts = now.Unix()
	}
	return CanonicalEvent{
		Signer:          signer,
		Timestamp:       ts,
		TransactionHash: extractTxHash(rec),
	}, true
}

func argValue(rec *RawEventRecord, pos int, name string) any {
	switch rec.Shape {
	case ShapePositional:
		if pos < len(rec.Positional) {
			return rec.Positional[pos]
		}
	case ShapeNamed:
		return rec.Named[name]
	}
	return nil
}

func extractSigner(rec *RawEventRecord) (string, bool) {
	s, ok := argValue(rec, 0, "signer").(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func extractTxHash(rec *RawEventRecord) string {
	if s, ok := rec.TransactionHash.(string); ok {
		return s
	}
	if s, ok := rec.Transaction["transactionHash"].(string); ok {
		return s
	}
	return ""
}

// parseTimestamp tries integer, float, string and Stringer encodings in that
// order. It reports false when none yields an int64.
func parseTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return fromUint(t)
	case *big.Int:
		if t == nil || !t.IsInt64() {
			return 0, false
		}
		return t.Int64(), true
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return fromFloat(f)
		}
		return 0, false
	case string:
		return parseIntString(t)
	case fmt.Stringer:
		return parseStringer(t)
	}
	return 0, false
}

func fromUint(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func fromFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Trunc(f)
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// parseIntString accepts a decimal integer with an optional sign, or an
// unsigned 0x/0o/0b prefixed integer. Digit separators are rejected.
func parseIntString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, "_") {
		return 0, false
	}
	base, digits := 10, s
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 10 {
			digits = s[2:]
			if digits[0] == '+' || digits[0] == '-' {
				return 0, false
			}
		}
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok || !n.IsInt64() {
		return 0, false
	}
	return n.Int64(), true
}

func parseStringer(s fmt.Stringer) (n int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n, ok = 0, false
		}
	}()
	return parseIntString(s.String())
}
