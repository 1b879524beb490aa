package evm

import (
	"errors"

	"github.com/devblac/pledge-feed/internal/feed"
)

// ErrReorgDetected signals that the chain rewound; the watcher rescans from the updated cursor.
var ErrReorgDetected = errors.New("reorg detected")

// Batch is one delivery of raw records covering the inclusive block range [From, To].
// Live is false while the watcher is still backfilling history. CaughtUp marks
// the batch that reached the confirmed head, ending the backfill.
type Batch struct {
	SourceID string
	From     uint64
	To       uint64
	Live     bool
	CaughtUp bool
	Records  []feed.RawEventRecord
}
