package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/feed"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultBackfillChunk = 2000
	defaultPollInterval  = 12 * time.Second
)

// BlockClient captures the subset of ethclient used by the watcher.
type BlockClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies BlockClient and CallClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// CursorStore records how far a source has been scanned.
type CursorStore interface {
	UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error
}

// Watcher streams Pledged logs: a chunked backfill from the start block up to
// the confirmed head, then an indefinite poll of new confirmed blocks.
// Redeliveries after a reorg rewind are expected; the feed absorbs them.
//
// The scan position lives in memory for the session. Cursors are written to
// the store only so operators can inspect progress.
type Watcher struct {
	client        BlockClient
	cursors       CursorStore
	source        config.Source
	confirmations uint64
	matcher       *EventMatcher
	chunk         uint64
	pollInterval  time.Duration
	log           *slog.Logger

	start    uint64
	next     uint64
	lastHash string
	started  bool
	emitted  bool
	live     bool
}

// NewWatcher builds a watcher for the configured source. cursors may be nil.
func NewWatcher(client BlockClient, cursors CursorStore, source config.Source, confirmations uint64, matcher *EventMatcher, log *slog.Logger) *Watcher {
	chunk := source.BackfillChunk
	if chunk == 0 {
		chunk = defaultBackfillChunk
	}
	poll := source.PollEvery()
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		client:        client,
		cursors:       cursors,
		source:        source,
		confirmations: confirmations,
		matcher:       matcher,
		chunk:         chunk,
		pollInterval:  poll,
		log:           log.With("source", source.ID),
	}
}

// Watch delivers batches to out until ctx is cancelled. It returns ctx.Err()
// on cancellation or the first non-reorg RPC error.
func (w *Watcher) Watch(ctx context.Context, out chan<- Batch) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		caughtUp, err := w.ProcessNext(ctx, out)
		switch {
		case errors.Is(err, ErrReorgDetected):
			w.log.Warn("reorg detected, rescanning", "from", w.next)
			continue
		case err != nil:
			return err
		}

		if !caughtUp {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessNext scans the next chunk of confirmed blocks and sends one batch.
// It reports whether the watcher has reached the confirmed head.
func (w *Watcher) ProcessNext(ctx context.Context, out chan<- Batch) (bool, error) {
	latest, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("latest header: %w", err)
	}
	safeHeight := latest.Number.Uint64()
	if w.confirmations > 0 {
		if w.confirmations > safeHeight {
			return true, w.emitEmptyOnce(ctx, out)
		}
		safeHeight -= w.confirmations
	}

	if !w.started {
		start, err := resolveStartHeight(w.source.StartBlock, safeHeight)
		if err != nil {
			return false, err
		}
		w.start, w.next, w.started = start, start, true
	}

	if w.next > safeHeight {
		w.live = true
		return true, w.emitEmptyOnce(ctx, out)
	}

	if w.lastHash != "" && w.next > 0 {
		prev, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(w.next-1))
		if err != nil {
			return false, fmt.Errorf("header %d: %w", w.next-1, err)
		}
		if prev.Hash().Hex() != w.lastHash {
			w.rewind()
			return false, ErrReorgDetected
		}
	}

	from := w.next
	to := from + w.chunk - 1
	if to > safeHeight {
		to = safeHeight
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.matcher.Address()},
		Topics:    [][]common.Hash{{w.matcher.Topic0()}},
	})
	if err != nil {
		return false, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	records := make([]feed.RawEventRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		rec, ok, err := w.matcher.Match(lg)
		if !ok {
			continue
		}
		if err != nil {
			w.log.Warn("undecodable log", "tx", lg.TxHash.Hex(), "index", lg.Index, "shape", rec.Shape.String(), "error", err)
		}
		records = append(records, rec)
	}

	head, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(to))
	if err != nil {
		return false, fmt.Errorf("header %d: %w", to, err)
	}
	w.lastHash = head.Hash().Hex()
	w.next = to + 1

	if w.cursors != nil {
		if err := w.cursors.UpsertCursor(ctx, w.source.ID, to, w.lastHash); err != nil {
			return false, err
		}
	}

	caughtUp := w.next > safeHeight
	if err := w.send(ctx, out, Batch{
		SourceID: w.source.ID,
		From:     from,
		To:       to,
		Live:     w.live,
		CaughtUp: caughtUp,
		Records:  records,
	}); err != nil {
		return false, err
	}

	if caughtUp {
		w.live = true
	}
	return caughtUp, nil
}

// rewind steps back one chunk, never before the start block.
func (w *Watcher) rewind() {
	back := w.chunk
	if w.next-w.start < back {
		back = w.next - w.start
	}
	w.next -= back
	w.lastHash = ""
}

// emitEmptyOnce tells the consumer that history is empty when nothing has
// been delivered yet, so it can leave its loading state.
func (w *Watcher) emitEmptyOnce(ctx context.Context, out chan<- Batch) error {
	if w.emitted {
		return nil
	}
	return w.send(ctx, out, Batch{SourceID: w.source.ID, From: w.next, To: w.next, Live: w.live, CaughtUp: true})
}

func (w *Watcher) send(ctx context.Context, out chan<- Batch, b Batch) error {
	select {
	case out <- b:
		w.emitted = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	if start == "" || start == "0" {
		return 0, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}
