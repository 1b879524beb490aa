package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/pledge-feed/internal/config"
	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/logging"
	"github.com/devblac/pledge-feed/internal/metrics"
	"github.com/devblac/pledge-feed/internal/sink"
	"github.com/devblac/pledge-feed/internal/source/evm"
	"github.com/devblac/pledge-feed/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BatchSource streams raw record batches until ctx is cancelled.
type BatchSource interface {
	Watch(ctx context.Context, out chan<- evm.Batch) error
}

// TotalReader reads the authoritative pledge count.
type TotalReader interface {
	Count(ctx context.Context) (uint64, error)
}

// NameService resolves signer identities for announcements and runs the
// background lookups behind the feed's display names.
type NameService interface {
	Resolve(ctx context.Context, signer string) (feed.Identity, error)
	Run(ctx context.Context) error
}

// Runner wires a batch source, the feed controller, the total refresher and
// announcements to sinks.
type Runner struct {
	source     BatchSource
	sourceID   string
	counter    TotalReader
	countEvery time.Duration
	feed       *feed.Controller
	store      *storage.Store
	sinks      map[string]sink.Sender
	names      NameService
	explorer   string
	announce   *announcer
	metrics    *metrics.Metrics
	log        *slog.Logger
	dryRun     bool
	nowFunc    func() time.Time

	history     []feed.RawEventRecord
	historyDone bool
}

type announcer struct {
	sinks []string
	preds []Predicate
	ttl   time.Duration
	limit *rate.Limiter
}

// Deps groups the collaborators a Runner drives. Counter, Store, Sinks,
// Names and Metrics are optional.
type Deps struct {
	Source  BatchSource
	Counter TotalReader
	Feed    *feed.Controller
	Store   *storage.Store
	Sinks   map[string]sink.Sender
	Names   NameService
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewRunner builds a runner for the provided config.
func NewRunner(cfg *config.Config, deps Deps, dryRun bool) (*Runner, error) {
	if deps.Source == nil || deps.Feed == nil {
		return nil, errors.New("source and feed are required")
	}
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}

	r := &Runner{
		source:     deps.Source,
		sourceID:   cfg.Source.ID,
		counter:    deps.Counter,
		countEvery: cfg.Source.CountEvery(),
		feed:       deps.Feed,
		store:      deps.Store,
		sinks:      deps.Sinks,
		names:      deps.Names,
		explorer:   cfg.Feed.ExplorerURL,
		metrics:    deps.Metrics,
		log:        log,
		dryRun:     dryRun,
		nowFunc:    time.Now,
	}
	if r.countEvery <= 0 {
		r.countEvery = 30 * time.Second
	}

	if a := cfg.Announce; a != nil {
		if deps.Store == nil {
			return nil, errors.New("announce requires a store")
		}
		preds, err := CompilePredicates(a.Where)
		if err != nil {
			return nil, fmt.Errorf("announce predicates: %w", err)
		}
		ttl := a.TTL()
		if ttl == 0 {
			ttl = 24 * time.Hour
		}
		exec := &announcer{sinks: a.Sinks, preds: preds, ttl: ttl}
		if a.MaxPerMinute > 0 {
			exec.limit = rate.NewLimiter(rate.Limit(float64(a.MaxPerMinute)/60), a.MaxPerMinute)
		}
		r.announce = exec
	}
	return r, nil
}

// Run streams batches into the feed until ctx is cancelled. A cancelled
// context is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan evm.Batch, 16)

	g.Go(func() error {
		return r.source.Watch(gctx, batches)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case b := <-batches:
				if err := r.HandleBatch(gctx, b); err != nil {
					return err
				}
			}
		}
	})
	if r.counter != nil {
		g.Go(func() error {
			return r.refreshTotal(gctx)
		})
	}
	if r.names != nil {
		g.Go(func() error {
			return r.names.Run(gctx)
		})
	}
	if r.metrics != nil {
		g.Go(func() error {
			return r.trackWindow(gctx)
		})
	}
	if r.announce != nil {
		g.Go(func() error {
			return r.pruneDedupe(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleBatch applies one batch. Backfill batches are buffered until the
// source reaches the head, then applied as a single delivery so history is
// never reported as new.
func (r *Runner) HandleBatch(ctx context.Context, b evm.Batch) error {
	if !r.historyDone {
		r.history = append(r.history, b.Records...)
		if !b.CaughtUp && !b.Live {
			r.log.Debug("backfill chunk buffered", "from", b.From, "to", b.To, "records", len(b.Records))
			return nil
		}
		records := r.history
		r.history, r.historyDone = nil, true
		r.log.Info("backfill complete", "to", b.To, "records", len(records))
		return r.apply(ctx, records)
	}
	return r.apply(ctx, b.Records)
}

func (r *Runner) apply(ctx context.Context, records []feed.RawEventRecord) error {
	obs, err := r.feed.OnBatch(records)
	if err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	r.metrics.Batch(obs.Dropped, len(obs.New), obs.StoreSize)
	if obs.Dropped > 0 {
		r.log.Warn("malformed records dropped", "dropped", obs.Dropped, "received", obs.Received)
	}
	if len(obs.New) == 0 || r.announce == nil {
		return nil
	}
	if err := r.announceAll(ctx, obs.New); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.metrics.Errors()
		r.log.Error("announce failed", "error", err)
	}
	return nil
}

func (r *Runner) announceAll(ctx context.Context, events []feed.CanonicalEvent) error {
	a := r.announce
	total := r.feed.Snapshot().Total
	for _, ev := range events {
		key := ev.Key()
		pass, err := allPredicates(a.preds, EventArgs(ev))
		if err != nil {
			r.metrics.Errors()
			r.log.Warn("announce predicate failed", "event_key", key, "error", err)
			continue
		}
		if !pass {
			r.log.Debug("announce predicates not met", "event_key", key)
			continue
		}
		now := r.nowFunc()
		isDup, err := r.store.IsDuplicate(ctx, key, now)
		if err != nil {
			return err
		}
		if isDup {
			continue
		}
		if a.limit != nil && !a.limit.AllowN(now, 1) {
			r.log.Warn("announcement rate limited", "signer", ev.Signer)
			continue
		}
		if err := r.store.MarkDedupe(ctx, key, now.Add(a.ttl)); err != nil {
			return err
		}
		if r.dryRun {
			r.log.Info("dry-run announcement", "signer", ev.Signer, "event_key", key)
			continue
		}

		payload := sink.NewPledgePayload(r.sourceID, ev, total, r.explorer)
		if r.names != nil {
			id, err := r.names.Resolve(ctx, ev.Signer)
			if err != nil {
				r.log.Debug("ens lookup failed", "signer", ev.Signer, "error", err)
			}
			payload = payload.WithIdentity(id)
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		ann := storage.Announcement{
			ID:          uuid.NewString(),
			EventKey:    key,
			Signer:      ev.Signer,
			PledgedAt:   ev.Timestamp,
			TxHash:      ev.TransactionHash,
			PayloadJSON: string(body),
			CreatedAt:   now,
		}
		if err := r.store.InsertAnnouncement(ctx, ann); errors.Is(err, storage.ErrAlreadyAnnounced) {
			r.log.Debug("pledge already announced", "event_key", key)
			continue
		} else if err != nil {
			return err
		}

		for _, sinkID := range a.sinks {
			s := r.sinks[sinkID]
			if s == nil {
				continue
			}
			status := "sent"
			sendErr := s.Send(ctx, payload)
			if sendErr != nil {
				status = "failed"
				r.metrics.Errors()
				r.log.Warn("sink send failed", "sink", sinkID, "signer", ev.Signer, "error", sendErr)
			} else {
				r.metrics.AnnouncementsSent()
			}
			if err := r.store.InsertSend(ctx, storage.Send{
				AnnouncementID: ann.ID,
				SinkID:         sinkID,
				Status:         status,
				ResponseCode:   sink.ResponseCode(sendErr),
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshTotal polls the authoritative count. Read errors are logged and the
// previous total is kept.
func (r *Runner) refreshTotal(ctx context.Context) error {
	ticker := time.NewTicker(r.countEvery)
	defer ticker.Stop()
	for {
		n, err := r.counter.Count(ctx)
		switch {
		case err == nil:
			r.feed.SetTotal(n)
			r.metrics.Total(n)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			r.metrics.Errors()
			r.log.Warn("pledge count read failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pruneDedupe drops expired dedupe keys once per TTL.
func (r *Runner) pruneDedupe(ctx context.Context) error {
	ticker := time.NewTicker(r.announce.ttl)
	defer ticker.Stop()
	for {
		n, err := r.store.PruneDedupe(ctx, r.nowFunc())
		switch {
		case err == nil && n > 0:
			r.log.Debug("dedupe keys pruned", "count", n)
		case err != nil && ctx.Err() == nil:
			r.log.Warn("dedupe prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// trackWindow mirrors the feed window into gauges whenever it changes.
func (r *Runner) trackWindow(ctx context.Context) error {
	changed, stop := r.feed.Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changed:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			snap := r.feed.Snapshot()
			r.metrics.Window(snap.DisplayCount, snap.StoreSize)
		}
	}
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
