// Package booking merges the feeds of each property into one sorted booking
// list and caches it per property.
package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"turnover/internal/ics"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
)

// DefaultTTL is how long a property's merged bookings stay fresh.
const DefaultTTL = 15 * time.Minute

// FeedFetcher is satisfied by *ics.Fetcher.
type FeedFetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// UpdateFunc observes a completed refresh of one property.
type UpdateFunc func(propertyID string, bookings []model.Booking)

type entry struct {
	bookings  []model.Booking
	fetchedAt time.Time
}

// Aggregator fetches all sources of a property concurrently, merges and
// sorts the result and keeps it for TTL. Concurrent refreshes of the same
// property share one fetch.
type Aggregator struct {
	fetcher     FeedFetcher
	parser      ics.Parser
	ttl         time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
	maxParallel int

	mu    sync.RWMutex
	cache map[string]entry
	// epoch and dropped advance on InvalidateAll and Invalidate. A fetch
	// started before either advanced must not write its result back.
	epoch   uint64
	dropped map[string]uint64

	inflight singleflight.Group

	obsMu     sync.RWMutex
	observers []UpdateFunc
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTTL sets the cache lifetime. Non-positive values keep DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Aggregator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMetrics records fetch and parse metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithLocation sets the zone used for date-only feed values.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.parser.Location = loc }
}

// WithMaxParallel bounds concurrent fetches per property refresh.
func WithMaxParallel(n int) Option {
	return func(a *Aggregator) { a.maxParallel = n }
}

// New constructs an Aggregator.
func New(fetcher FeedFetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher:     fetcher,
		ttl:         DefaultTTL,
		now:         time.Now,
		maxParallel: 8,
		cache:       make(map[string]entry),
		dropped:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New(nil)
	}
	a.parser.Metrics = a.metrics
	return a
}

// OnUpdate registers fn to run after every completed refresh.
func (a *Aggregator) OnUpdate(fn UpdateFunc) {
	a.obsMu.Lock()
	a.observers = append(a.observers, fn)
	a.obsMu.Unlock()
}

// GetBookings returns the property's bookings, refetching when the cache
// entry is missing or older than the TTL.
func (a *Aggregator) GetBookings(ctx context.Context, p model.Property) ([]model.Booking, error) {
	a.mu.RLock()
	e, ok := a.cache[p.ID]
	a.mu.RUnlock()
	if ok && a.now().Sub(e.fetchedAt) < a.ttl {
		return clone(e.bookings), nil
	}
	return a.Refresh(ctx, p)
}

// Refresh refetches the property regardless of cache age. Only context
// cancellation is reported as an error; per-source failures contribute zero
// bookings.
func (a *Aggregator) Refresh(ctx context.Context, p model.Property) ([]model.Booking, error) {
	v, err, _ := a.inflight.Do(p.ID, func() (any, error) {
		return a.fetchProperty(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]model.Booking)), nil
}

// GetAll returns the bookings of every property, fetching stale ones
// concurrently. The result is sorted by start date.
func (a *Aggregator) GetAll(ctx context.Context, props []model.Property) ([]model.Booking, error) {
	return a.collect(ctx, props, a.GetBookings)
}

// RefreshAll force-refreshes every property concurrently.
func (a *Aggregator) RefreshAll(ctx context.Context, props []model.Property) ([]model.Booking, error) {
	return a.collect(ctx, props, a.Refresh)
}

// GetCached returns whatever is cached for the property, stale or not. It
// never fetches.
func (a *Aggregator) GetCached(propertyID string) []model.Booking {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return clone(a.cache[propertyID].bookings)
}

// AllCached returns every cached booking, sorted by start date.
func (a *Aggregator) AllCached() []model.Booking {
	a.mu.RLock()
	var out []model.Booking
	for _, e := range a.cache {
		out = append(out, e.bookings...)
	}
	a.mu.RUnlock()
	sortBookings(out)
	return out
}

// Invalidate drops the cache entry of one property.
func (a *Aggregator) Invalidate(propertyID string) {
	a.mu.Lock()
	delete(a.cache, propertyID)
	a.dropped[propertyID]++
	a.mu.Unlock()
	a.inflight.Forget(propertyID)
	a.metrics.CachedBookings.DeleteLabelValues(propertyID)
}

// InvalidateAll drops every cache entry.
func (a *Aggregator) InvalidateAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.cache))
	for id := range a.cache {
		ids = append(ids, id)
	}
	a.cache = make(map[string]entry)
	a.epoch++
	a.mu.Unlock()
	for _, id := range ids {
		a.inflight.Forget(id)
	}
	a.metrics.CachedBookings.Reset()
}

func (a *Aggregator) collect(ctx context.Context, props []model.Property, get func(context.Context, model.Property) ([]model.Booking, error)) ([]model.Booking, error) {
	results := make([][]model.Booking, len(props))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range props {
		g.Go(func() error {
			bookings, err := get(gctx, p)
			if err != nil {
				return err
			}
			results[i] = bookings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.Booking
	for _, r := range results {
		out = append(out, r...)
	}
	sortBookings(out)
	return out, nil
}

func (a *Aggregator) fetchProperty(ctx context.Context, p model.Property) ([]model.Booking, error) {
	a.mu.RLock()
	epoch, dropped := a.epoch, a.dropped[p.ID]
	a.mu.RUnlock()

	perSource := make([][]model.Booking, len(p.Sources))

	var g errgroup.Group
	if a.maxParallel > 0 {
		g.SetLimit(a.maxParallel)
	}
	for i, s := range p.Sources {
		src := ics.Source{
			ID:         fmt.Sprintf("%s#%d", p.ID, i),
			PropertyID: p.ID,
			Platform:   s.Platform,
			URL:        s.URL,
		}
		g.Go(func() error {
			perSource[i] = a.fetchSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := merge(perSource)

	a.mu.Lock()
	if a.epoch != epoch || a.dropped[p.ID] != dropped {
		a.mu.Unlock()
		appLog.Debug("property invalidated during fetch; result not cached", "property", p.ID)
		return merged, nil
	}
	a.cache[p.ID] = entry{bookings: merged, fetchedAt: a.now()}
	a.mu.Unlock()
	a.metrics.CachedBookings.WithLabelValues(p.ID).Set(float64(len(merged)))

	appLog.Info("property bookings refreshed", "property", p.ID, "sources", len(p.Sources), "bookings", len(merged))

	a.obsMu.RLock()
	observers := append([]UpdateFunc(nil), a.observers...)
	a.obsMu.RUnlock()
	for _, fn := range observers {
		fn(p.ID, clone(merged))
	}

	return merged, nil
}

func (a *Aggregator) fetchSource(ctx context.Context, src ics.Source) []model.Booking {
	started := time.Now()
	res, err := a.fetcher.FetchOne(ctx, src)
	a.metrics.FeedFetchDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		a.metrics.FeedFetchFailures.WithLabelValues(string(src.Platform)).Inc()
		appLog.Error("feed fetch failed; source contributes no bookings", err, "id", src.ID, "platform", src.Platform, "url", ics.RedactURL(src.URL))
		return nil
	}
	return a.parser.Parse(res.Body, src.Platform, src.PropertyID).Bookings
}

// merge concatenates per-source results in source order. A repeated booking
// id replaces the earlier one in place, so the last parsed copy wins
// regardless of which fetch finished first.
func merge(perSource [][]model.Booking) []model.Booking {
	var out []model.Booking
	index := make(map[string]int)
	for _, bookings := range perSource {
		for _, b := range bookings {
			if i, ok := index[b.ID]; ok {
				out[i] = b
				continue
			}
			index[b.ID] = len(out)
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out
}

func sortBookings(bs []model.Booking) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].Start.Equal(bs[j].Start) {
			return bs[i].Start.Before(bs[j].Start)
		}
		if !bs[i].End.Equal(bs[j].End) {
			return bs[i].End.Before(bs[j].End)
		}
		return bs[i].ID < bs[j].ID
	})
}

func clone(bs []model.Booking) []model.Booking {
	if len(bs) == 0 {
		return []model.Booking{}
	}
	return append([]model.Booking(nil), bs...)
}
