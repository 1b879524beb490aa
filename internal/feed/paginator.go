package feed

const (
	DefaultPageSize      = 20
	DefaultPageIncrement = 20
	DefaultLoadThreshold = 0.8
)

// DisplayState distinguishes the terminal and transitional states of a window.
type DisplayState string

const (
	StateLoading DisplayState = "loading"
	StateEmpty   DisplayState = "empty"
	StatePartial DisplayState = "partial"
	StateEnd     DisplayState = "end"
)

// Paginator holds the grow-only display count and the load-more latch.
type Paginator struct {
	displayCount int
	increment    int
	threshold    float64
	inFlight     bool
}

// NewPaginator returns a paginator starting at pageSize. Non-positive values
// fall back to the defaults.
func NewPaginator(pageSize, increment int, threshold float64) *Paginator {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if increment <= 0 {
		increment = DefaultPageIncrement
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultLoadThreshold
	}
	return &Paginator{displayCount: pageSize, increment: increment, threshold: threshold}
}

func (p *Paginator) DisplayCount() int { return p.displayCount }

func (p *Paginator) InFlight() bool { return p.inFlight }

// CanLoadMore reports whether a load may start for a store of storeLen.
func (p *Paginator) CanLoadMore(storeLen int) bool {
	return !p.inFlight && p.displayCount < storeLen
}

// ShouldTrigger applies the scroll rule: past the threshold fraction of the
// scrollable distance and a load is allowed.
func (p *Paginator) ShouldTrigger(fraction float64, storeLen int) bool {
	return fraction > p.threshold && p.CanLoadMore(storeLen)
}

// Begin latches a load. It reports false if one is already in flight.
func (p *Paginator) Begin() bool {
	if p.inFlight {
		return false
	}
	p.inFlight = true
	return true
}

// Advance grows the display count by one increment and releases the latch.
func (p *Paginator) Advance() {
	p.displayCount += p.increment
	p.inFlight = false
}

// Cancel releases the latch without growing.
func (p *Paginator) Cancel() {
	p.inFlight = false
}

// State classifies the window over a store of storeLen.
func (p *Paginator) State(storeLen int, observed bool) DisplayState {
	switch {
	case !observed:
		return StateLoading
	case storeLen == 0:
		return StateEmpty
	case p.displayCount >= storeLen:
		return StateEnd
	default:
		return StatePartial
	}
}
