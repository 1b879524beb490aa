package feed

import (
	"errors"
	"strconv"
)

// EventName is the event kind the feed displays.
const EventName = "Pledged"

// ErrClosed is returned by controller operations after Close.
var ErrClosed = errors.New("feed closed")

// Shape tags how a raw record carries its event arguments.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapePositional
	ShapeNamed
)

func (s Shape) String() string {
	switch s {
	case ShapePositional:
		return "positional"
	case ShapeNamed:
		return "named"
	default:
		return "unknown"
	}
}

// RawEventRecord is an event as delivered by a source, before any validation.
// Exactly one of Positional or Named is meaningful, as selected by Shape.
type RawEventRecord struct {
	EventName       string
	Shape           Shape
	Positional      []any
	Named           map[string]any
	TransactionHash any
	Transaction     map[string]any
}

// CanonicalEvent is the normalized, immutable form of a signing event.
type CanonicalEvent struct {
	Signer          string `json:"signer"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Key returns the composite dedupe key signer|timestamp|txhash.
func (e CanonicalEvent) Key() string {
	return e.Signer + "|" + strconv.FormatInt(e.Timestamp, 10) + "|" + e.TransactionHash
}

// TruncateAddress shortens an address for display as 0x1234...abcd.
func TruncateAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
