package feed

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/devblac/pledge-feed/internal/logging"
)

const (
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultHighlightDuration = 600 * time.Millisecond
)

// Options tunes a Controller. Use DefaultOptions as a starting point; a zero
// SettleDelay makes load-more advance synchronously. Names is optional; without
// it every signer displays as its truncated address.
type Options struct {
	EventName         string
	PageSize          int
	PageIncrement     int
	LoadThreshold     float64
	SettleDelay       time.Duration
	HighlightDuration time.Duration
	Names             NameResolver
}

// DefaultOptions returns the stock feed tuning.
func DefaultOptions() Options {
	return Options{
		EventName:         EventName,
		PageSize:          DefaultPageSize,
		PageIncrement:     DefaultPageIncrement,
		LoadThreshold:     DefaultLoadThreshold,
		SettleDelay:       DefaultSettleDelay,
		HighlightDuration: DefaultHighlightDuration,
	}
}

// Observation summarises one OnBatch call.
type Observation struct {
	Received  int
	Accepted  int
	Dropped   int
	StoreSize int
	New       []CanonicalEvent
}

// Snapshot is the display-ready view of the feed. Profiles holds the display
// identity of every signer in Events.
type Snapshot struct {
	Events           []CanonicalEvent   `json:"events"`
	NewKeys          []string           `json:"newKeys"`
	IsLoadingInitial bool               `json:"isLoadingInitial"`
	IsLoadingMore    bool               `json:"isLoadingMore"`
	HasReachedEnd    bool               `json:"hasReachedEnd"`
	State            DisplayState       `json:"state"`
	DisplayCount     int                `json:"displayCount"`
	StoreSize        int                `json:"storeSize"`
	Total            uint64             `json:"total"`
	IsLoadingTotal   bool               `json:"isLoadingTotal"`
	Profiles         map[string]Profile `json:"profiles"`
}

type timer interface {
	Stop() bool
}

// Controller owns the feed state and sequences every transition on it. All
// methods are safe for concurrent use; each runs to completion before the
// next one starts.
type Controller struct {
	mu sync.Mutex

	kind              string
	settleDelay       time.Duration
	highlightDuration time.Duration

	store      []CanonicalEvent
	names      NameResolver
	pager      *Paginator
	detector   Detector
	highlights Highlights
	observed   bool
	total      uint64
	totalKnown bool
	closed     bool

	settleTimer    timer
	highlightTimer timer

	watchers    map[int]chan struct{}
	nextWatcher int

	log       *slog.Logger
	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func()) timer
}

// NewController builds a controller for the given options.
func NewController(opts Options, log *slog.Logger) *Controller {
	if opts.EventName == "" {
		opts.EventName = EventName
	}
	if opts.HighlightDuration <= 0 {
		opts.HighlightDuration = DefaultHighlightDuration
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{
		kind:              opts.EventName,
		settleDelay:       opts.SettleDelay,
		highlightDuration: opts.HighlightDuration,
		names:             opts.Names,
		pager:             NewPaginator(opts.PageSize, opts.PageIncrement, opts.LoadThreshold),
		watchers:          map[int]chan struct{}{},
		log:               log,
		nowFunc:           time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// OnBatch absorbs one delivery from the event source. Redelivered events are
// merged idempotently; events that grow the store are flagged new.
func (c *Controller) OnBatch(raw []RawEventRecord) (Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Observation{}, ErrClosed
	}

	now := c.nowFunc()
	normalized := NormalizeKind(c.kind, raw, now)
	c.store = Merge(c.store, normalized)
	c.observed = true

	fresh := c.detector.Observe(c.store)
	if len(fresh) > 0 {
		c.highlights.Flag(fresh, now.Add(c.highlightDuration))
		c.scheduleHighlightExpiry(now)
	}

	obs := Observation{
		Received:  len(raw),
		Accepted:  len(normalized),
		Dropped:   len(raw) - len(normalized),
		StoreSize: len(c.store),
		New:       slices.Clone(fresh),
	}
	c.log.Debug("batch absorbed",
		"received", obs.Received,
		"dropped", obs.Dropped,
		"store", obs.StoreSize,
		"new", len(obs.New),
	)
	c.notifyLocked()
	return obs, nil
}

// RequestLoadMore grows the window by one page after the settle delay. It is
// a no-op returning false while a load is in flight, once the window covers
// the whole store, or after Close.
func (c *Controller) RequestLoadMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadMoreLocked()
}

// OnScroll feeds a scroll position, as a fraction of the scrollable distance,
// and starts a load when it crosses the threshold.
func (c *Controller) OnScroll(fraction float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.pager.ShouldTrigger(fraction, len(c.store)) {
		return false
	}
	return c.loadMoreLocked()
}

func (c *Controller) loadMoreLocked() bool {
	if c.closed || !c.pager.CanLoadMore(len(c.store)) || !c.pager.Begin() {
		return false
	}
	if c.settleDelay == 0 {
		c.pager.Advance()
		c.notifyLocked()
		return true
	}
	c.notifyLocked()
	c.settleTimer = c.afterFunc(c.settleDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.settleTimer = nil
		c.pager.Advance()
		c.log.Debug("window advanced", "display_count", c.pager.DisplayCount())
		c.notifyLocked()
	})
	return true
}

func (c *Controller) scheduleHighlightExpiry(now time.Time) {
	if c.highlightTimer != nil {
		c.highlightTimer.Stop()
	}
	next := c.highlights.Expire(now)
	if next.IsZero() {
		c.highlightTimer = nil
		return
	}
	c.highlightTimer = c.afterFunc(next.Sub(now), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		c.scheduleHighlightExpiry(c.nowFunc())
		c.notifyLocked()
	})
}

// SetTotal records the authoritative pledge count read from the chain.
func (c *Controller) SetTotal(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	changed := !c.totalKnown || c.total != n
	c.total, c.totalKnown = n, true
	if changed {
		c.notifyLocked()
	}
}

// Snapshot returns the current window and status flags.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	storeLen := len(c.store)
	window := Window(c.store, c.pager.DisplayCount())
	state := c.pager.State(storeLen, c.observed)
	profiles := make(map[string]Profile, len(window))
	for _, ev := range window {
		if _, ok := profiles[ev.Signer]; !ok {
			profiles[ev.Signer] = ProfileFor(ev.Signer, c.names)
		}
	}
	return Snapshot{
		Events:           append([]CanonicalEvent{}, window...),
		NewKeys:          sortedKeys(c.highlights.Active(now)),
		IsLoadingInitial: !c.observed,
		IsLoadingMore:    c.pager.InFlight(),
		HasReachedEnd:    state == StateEnd,
		State:            state,
		DisplayCount:     c.pager.DisplayCount(),
		StoreSize:        storeLen,
		Total:            c.total,
		IsLoadingTotal:   !c.totalKnown,
		Profiles:         profiles,
	}
}

// Refresh wakes watchers after display data held outside the store changed,
// such as a signer name that finished resolving.
func (c *Controller) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.notifyLocked()
	}
}

// Watch returns a channel that receives a value whenever the snapshot may
// have changed, and a function to stop watching. Notifications coalesce.
func (c *Controller) Watch() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{}, 1)
	id := c.nextWatcher
	c.nextWatcher++
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(w)
			}
		})
	}
}

func (c *Controller) notifyLocked() {
	for _, ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close cancels pending timers and detaches watchers. The controller rejects
// further batches and load requests.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.highlightTimer != nil {
		c.highlightTimer.Stop()
		c.highlightTimer = nil
	}
	c.pager.Cancel()
	c.highlights.Clear()
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}
