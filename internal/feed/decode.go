package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON accepts the loosely typed event form
//
//	{"eventName": "Pledged", "args": [...] | {...},
//	 "transactionHash": "0x..", "transaction": {"transactionHash": "0x.."}}
//
// Args of any other JSON type leave the record in ShapeUnknown. Numbers are
// kept as json.Number so integer timestamps survive without float rounding.
func (r *RawEventRecord) UnmarshalJSON(data []byte) error {
	var wire struct {
		EventName       any             `json:"eventName"`
		Args            json.RawMessage `json:"args"`
		TransactionHash any             `json:"transactionHash"`
		Transaction     any             `json:"transaction"`
	}
	if err := decodeNumbers(data, &wire); err != nil {
		return fmt.Errorf("decode raw event: %w", err)
	}

	*r = RawEventRecord{TransactionHash: wire.TransactionHash}
	if name, ok := wire.EventName.(string); ok {
		r.EventName = name
	}
	if tx, ok := wire.Transaction.(map[string]any); ok {
		r.Transaction = tx
	}

	var args any
	if len(wire.Args) > 0 {
		if err := decodeNumbers(wire.Args, &args); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
	}
	switch a := args.(type) {
	case []any:
		r.Shape = ShapePositional
		r.Positional = a
	case map[string]any:
		r.Shape = ShapeNamed
		r.Named = a
	}
	return nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
