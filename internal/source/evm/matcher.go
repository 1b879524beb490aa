package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DecodeNamed      = "named"
	DecodePositional = "positional"
)

// EventMatcher filters logs of one contract event and decodes them into raw
// feed records, either by argument name or by position.
type EventMatcher struct {
	name       string
	address    common.Address
	topic0     common.Hash
	event      *abi.Event
	positional bool
}

// NewEventMatcher builds a matcher for signature, e.g. "Pledged(address indexed,uint256)".
// Named decoding resolves the event from abis; positional decoding derives it
// from the signature alone.
func NewEventMatcher(contract, signature, decode string, abis map[string]*abi.ABI) (*EventMatcher, error) {
	if contract == "" || signature == "" {
		return nil, fmt.Errorf("contract and event are required")
	}
	name := eventName(signature)

	m := &EventMatcher{
		name:    name,
		address: common.HexToAddress(contract),
	}

	switch strings.ToLower(decode) {
	case "", DecodeNamed:
		ev, ok := FindEvent(abis, name)
		if !ok {
			return nil, fmt.Errorf("event %s not found in loaded abis", name)
		}
		m.event = ev
		m.topic0 = ev.ID
	case DecodePositional:
		ev, err := syntheticEvent(signature)
		if err != nil {
			return nil, err
		}
		m.event = ev
		m.topic0 = crypto.Keccak256Hash([]byte(canonicalSignature(signature)))
		m.positional = true
	default:
		return nil, fmt.Errorf("unsupported decode mode: %s", decode)
	}
	return m, nil
}

// Name is the bare event name, e.g. Pledged.
func (m *EventMatcher) Name() string { return m.name }

// Address is the contract the matcher listens to.
func (m *EventMatcher) Address() common.Address { return m.address }

// Topic0 is the event signature hash.
func (m *EventMatcher) Topic0() common.Hash { return m.topic0 }

// Match reports whether log belongs to the event. A log that matches but
// cannot be decoded is still returned, with ShapeUnknown, alongside the error
// so the feed can account for it.
func (m *EventMatcher) Match(log types.Log) (feed.RawEventRecord, bool, error) {
	if log.Address != m.address {
		return feed.RawEventRecord{}, false, nil
	}
	if len(log.Topics) == 0 || log.Topics[0] != m.topic0 {
		return feed.RawEventRecord{}, false, nil
	}

	rec := feed.RawEventRecord{
		EventName:       m.name,
		TransactionHash: log.TxHash.Hex(),
		Transaction: map[string]any{
			"transactionHash": log.TxHash.Hex(),
			"blockNumber":     log.BlockNumber,
			"logIndex":        log.Index,
		},
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(m.event.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return rec, true, fmt.Errorf("parse topics: %w", err)
	}
	if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
		return rec, true, fmt.Errorf("unpack data: %w", err)
	}

	if m.positional {
		rec.Shape = feed.ShapePositional
		rec.Positional = make([]any, 0, len(m.event.Inputs))
		for _, in := range m.event.Inputs {
			rec.Positional = append(rec.Positional, plainValue(args[in.Name]))
		}
		return rec, true, nil
	}

	rec.Shape = feed.ShapeNamed
	rec.Named = make(map[string]any, len(args))
	for k, v := range args {
		rec.Named[k] = plainValue(v)
	}
	return rec, true, nil
}

// plainValue renders ABI values in the forms the feed understands: addresses
// and hashes become hex strings, integers stay *big.Int.
func plainValue(v any) any {
	switch t := v.(type) {
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case *big.Int:
		return t
	default:
		return v
	}
}

func eventName(signature string) string {
	if i := strings.Index(signature, "("); i > 0 {
		return signature[:i]
	}
	return signature
}

// canonicalSignature strips argument names and the indexed keyword so the
// result hashes to topic0.
func canonicalSignature(signature string) string {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l {
		return signature
	}
	parts := strings.Split(signature[l+1:r], ",")
	kinds := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		kinds = append(kinds, fields[0])
	}
	return signature[:l] + "(" + strings.Join(kinds, ",") + ")"
}

// syntheticEvent builds an ABI Event from a signature like
// Pledged(address indexed,uint256). Arguments are named arg0, arg1, ...
func syntheticEvent(signature string) (*abi.Event, error) {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := signature[:l]
	rawArgs := strings.Split(signature[l+1:r], ",")
	args := make(abi.Arguments, 0, len(rawArgs))
	for _, a := range rawArgs {
		fields := strings.Fields(a)
		if len(fields) == 0 {
			continue
		}
		t, err := abi.NewType(fields[0], "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", fields[0], err)
		}
		indexed := len(fields) > 1 && fields[1] == "indexed"
		args = append(args, abi.Argument{
			Name:    fmt.Sprintf("arg%d", len(args)),
			Type:    t,
			Indexed: indexed,
		})
	}
	return &abi.Event{
		Name:      name,
		RawName:   name,
		Inputs:    args,
		Anonymous: false,
	}, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
