package engine

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/devblac/pledge-feed/internal/feed"
)

// Predicate reports whether a pledge's args satisfy one where clause.
type Predicate func(args map[string]any) (bool, error)

// Fields a where clause may reference.
const (
	FieldSigner    = "signer"
	FieldTimestamp = "timestamp"
	FieldTxHash    = "tx_hash"
)

// EventArgs exposes a pledge to predicates.
func EventArgs(ev feed.CanonicalEvent) map[string]any {
	return map[string]any{
		FieldSigner:    ev.Signer,
		FieldTimestamp: ev.Timestamp,
		FieldTxHash:    ev.TransactionHash,
	}
}

// Operators in match order. Two-character comparisons precede their
// one-character prefixes.
var operators = []string{" in ", " contains ", "==", "!=", ">=", "<=", ">", "<"}

type clause struct {
	field string
	op    string
	text  string
	set   []string
	num   int64
}

// CompilePredicates parses where clauses such as
//
//	"timestamp > 1_700_000_000"
//	"signer in 0xaa,0xbb"
//	"tx_hash contains dead"
//
// Ordering operators apply to timestamp only. Hex values compare
// case-insensitively.
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := parseClause(raw)
		if err != nil {
			return nil, fmt.Errorf("where %q: %w", raw, err)
		}
		preds = append(preds, c.eval)
	}
	return preds, nil
}

func parseClause(expr string) (clause, error) {
	for _, op := range operators {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		c := clause{
			field: strings.TrimSpace(expr[:i]),
			op:    strings.TrimSpace(op),
			text:  strings.TrimSpace(expr[i+len(op):]),
		}
		switch c.field {
		case FieldSigner, FieldTimestamp, FieldTxHash:
		default:
			return clause{}, fmt.Errorf("unknown field %q", c.field)
		}

		switch c.op {
		case "in":
			for _, v := range strings.Split(c.text, ",") {
				if v = strings.TrimSpace(v); v != "" {
					c.set = append(c.set, v)
				}
			}
			if len(c.set) == 0 {
				return clause{}, errors.New("empty in list")
			}
		case "contains":
		default:
			if c.field == FieldTimestamp {
				n, ok := parseInt(c.text)
				if !ok {
					return clause{}, fmt.Errorf("timestamp needs an integer operand, got %q", c.text)
				}
				c.num = n
			} else if c.op != "==" && c.op != "!=" {
				return clause{}, fmt.Errorf("%s only applies to timestamp", c.op)
			}
		}
		return c, nil
	}
	return clause{}, errors.New("unsupported operator")
}

func (c clause) eval(args map[string]any) (bool, error) {
	val, ok := args[c.field]
	if !ok {
		return false, nil
	}
	text := fmt.Sprint(val)

	switch c.op {
	case "in":
		return slices.ContainsFunc(c.set, func(v string) bool { return sameText(text, v) }), nil
	case "contains":
		return strings.Contains(strings.ToLower(text), strings.ToLower(c.text)), nil
	}

	if c.field == FieldTimestamp {
		ts, ok := val.(int64)
		if !ok {
			return false, fmt.Errorf("timestamp has type %T", val)
		}
		switch c.op {
		case "==":
			return ts == c.num, nil
		case "!=":
			return ts != c.num, nil
		case ">":
			return ts > c.num, nil
		case "<":
			return ts < c.num, nil
		case ">=":
			return ts >= c.num, nil
		default:
			return ts <= c.num, nil
		}
	}

	eq := sameText(text, c.text)
	if c.op == "!=" {
		return !eq, nil
	}
	return eq, nil
}

// parseInt accepts "1700000000", "1_700_000_000" and integral floats like "1.7e9".
func parseInt(s string) (int64, bool) {
	s = strings.ReplaceAll(s, "_", "")
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func sameText(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
