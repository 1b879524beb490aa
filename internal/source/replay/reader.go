// Package replay reads recorded raw event records from JSON lines, one record
// per line, and groups them into batches for offline runs of the feed.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/logging"
)

const (
	defaultBatchSize = 100
	maxLineBytes     = 1 << 20
)

// Reader yields batches of records. Lines that are not JSON objects are kept
// as empty records so the feed counts them as dropped.
type Reader struct {
	sc        *bufio.Scanner
	batchSize int
	line      int
	invalid   int
	log       *slog.Logger
}

// NewReader wraps r. A batchSize of 0 uses the default.
func NewReader(r io.Reader, batchSize int, log *slog.Logger) *Reader {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = logging.Discard()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{sc: sc, batchSize: batchSize, log: log}
}

// Next returns the next batch, or io.EOF once the input is exhausted.
func (r *Reader) Next() ([]feed.RawEventRecord, error) {
	batch := make([]feed.RawEventRecord, 0, r.batchSize)
	for len(batch) < r.batchSize && r.sc.Scan() {
		r.line++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var rec feed.RawEventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			r.invalid++
			r.log.Warn("invalid replay line", "line", r.line, "error", err)
			rec = feed.RawEventRecord{}
		}
		batch = append(batch, rec)
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("read replay line %d: %w", r.line+1, err)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Invalid reports how many lines failed to decode so far.
func (r *Reader) Invalid() int {
	return r.invalid
}
