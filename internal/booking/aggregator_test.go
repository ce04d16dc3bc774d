package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnover/internal/ics"
	"turnover/internal/model"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	delay  map[string]time.Duration
	calls  map[string]int
	gate   chan struct{}
	enter  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies: map[string]string{},
		errs:   map[string]error{},
		delay:  map[string]time.Duration{},
		calls:  map[string]int{},
	}
}

func (f *fakeFetcher) FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error) {
	f.mu.Lock()
	f.calls[src.URL]++
	body, err, delay := f.bodies[src.URL], f.errs[src.URL], f.delay[src.URL]
	gate, enter := f.gate, f.enter
	f.mu.Unlock()

	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return ics.FetchResult{}, err
	}
	return ics.FetchResult{Source: src, Body: []byte(body)}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type event struct{ uid, start, end, summary string }

func doc(events ...event) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	for _, e := range events {
		fmt.Fprintf(&b, "BEGIN:VEVENT\r\nUID:%s\r\nDTSTART;VALUE=DATE:%s\r\nDTEND;VALUE=DATE:%s\r\nSUMMARY:%s\r\nEND:VEVENT\r\n", e.uid, e.start, e.end, e.summary)
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func ids(bs []model.Booking) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.ID)
	}
	return out
}

func property(id string, urls ...string) model.Property {
	p := model.Property{ID: id, DisplayName: id}
	for _, u := range urls {
		p.Sources = append(p.Sources, model.Source{Platform: model.PlatformAirbnb, URL: u})
	}
	return p
}

func TestGetBookings_MergesSourcesSortedByStart(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"late", "20250120", "20250125", "Reserved"})
	f.bodies["b"] = doc(event{"early", "20250101", "20250105", "Ann"}, event{"mid", "20250110", "20250112", "Bob"})
	f.delay["b"] = 30 * time.Millisecond // finishes last

	agg := New(f, WithLocation(time.UTC))

	got, err := agg.GetBookings(context.Background(), property("p1", "a", "b"))

	require.NoError(t, err)
	assert.Equal(t, []string{"early", "mid", "late"}, ids(got))
}

func TestGetBookings_FailedSourceContributesNothing(t *testing.T) {
	f := newFakeFetcher()
	f.errs["down"] = errors.New("connection refused")
	f.bodies["up"] = doc(event{"ok", "20250101", "20250103", "Ann"})

	agg := New(f)

	got, err := agg.GetBookings(context.Background(), property("p1", "down", "up"))

	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(got))
}

func TestGetBookings_DuplicateIDLastSourceWins(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["first"] = doc(event{"dup", "20250101", "20250103", "Old Name"})
	f.bodies["second"] = doc(event{"dup", "20250101", "20250104", "New Name"})
	f.delay["first"] = 30 * time.Millisecond

	agg := New(f, WithLocation(time.UTC))

	got, err := agg.GetBookings(context.Background(), property("p1", "first", "second"))

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "New Name", got[0].GuestName)
	assert.Equal(t, time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC), got[0].End)
}

func TestGetBookings_HonoursTTL(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := New(f, WithTTL(5*time.Minute), WithClock(func() time.Time { return now }))
	p := property("p1", "a")

	_, err := agg.GetBookings(context.Background(), p)
	require.NoError(t, err)
	now = now.Add(4 * time.Minute)
	_, err = agg.GetBookings(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount("a"))

	now = now.Add(2 * time.Minute)
	_, err = agg.GetBookings(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, f.callCount("a"))
}

func TestGetCached_NeverFetches(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
	agg := New(f)

	assert.Empty(t, agg.GetCached("p1"))
	assert.Zero(t, f.callCount("a"))

	_, err := agg.Refresh(context.Background(), property("p1", "a"))
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, ids(agg.GetCached("p1")))
	assert.Equal(t, 1, f.callCount("a"))
}

func TestInvalidate(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
	f.bodies["b"] = doc(event{"y", "20250101", "20250103", "Bob"})
	agg := New(f)
	ctx := context.Background()

	_, err := agg.RefreshAll(ctx, []model.Property{property("p1", "a"), property("p2", "b")})
	require.NoError(t, err)

	agg.Invalidate("p1")
	assert.Empty(t, agg.GetCached("p1"))
	assert.Len(t, agg.GetCached("p2"), 1)

	_, err = agg.GetBookings(ctx, property("p2", "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.callCount("b"), "p2 still fresh")

	agg.InvalidateAll()
	assert.Empty(t, agg.AllCached())
}

func TestInvalidate_DiscardsFetchInFlight(t *testing.T) {
	for name, drop := range map[string]func(*Aggregator){
		"one": func(a *Aggregator) { a.Invalidate("p1") },
		"all": func(a *Aggregator) { a.InvalidateAll() },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFakeFetcher()
			f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
			f.gate = make(chan struct{})
			f.enter = make(chan struct{}, 4)
			agg := New(f)
			p := property("p1", "a")

			done := make(chan struct{})
			go func() {
				defer close(done)
				got, err := agg.Refresh(context.Background(), p)
				assert.NoError(t, err)
				assert.Len(t, got, 1, "the caller still gets its result")
			}()
			<-f.enter

			drop(agg)
			close(f.gate)
			<-done

			assert.Empty(t, agg.GetCached("p1"))

			_, err := agg.Refresh(context.Background(), p)
			require.NoError(t, err)
			assert.Len(t, agg.GetCached("p1"), 1)
		})
	}
}

func TestGetAll_CombinesPropertiesSorted(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"a2", "20250110", "20250112", "Ann"})
	f.bodies["b"] = doc(event{"b1", "20250105", "20250107", "Bob"})
	agg := New(f, WithLocation(time.UTC))

	got, err := agg.GetAll(context.Background(), []model.Property{property("p1", "a"), property("p2", "b")})

	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "a2"}, ids(got))
	assert.Equal(t, []string{"b1", "a2"}, ids(agg.AllCached()))
}

func TestRefresh_NotifiesObservers(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
	agg := New(f)

	var seen []string
	agg.OnUpdate(func(propertyID string, bookings []model.Booking) {
		seen = append(seen, fmt.Sprintf("%s:%d", propertyID, len(bookings)))
		assert.Len(t, agg.GetCached(propertyID), len(bookings), "cache is committed before observers run")
	})

	_, err := agg.Refresh(context.Background(), property("p1", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1:1"}, seen)
}

func TestRefresh_CancelledContextDoesNotCache(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
	agg := New(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agg.Refresh(ctx, property("p1", "a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, agg.GetCached("p1"))
}

func TestRefresh_CoalescesConcurrentCallsPerProperty(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["a"] = doc(event{"x", "20250101", "20250103", "Ann"})
	f.gate = make(chan struct{})
	f.enter = make(chan struct{}, 4)
	agg := New(f)
	p := property("p1", "a")

	var wg sync.WaitGroup
	var done atomic.Int32
	call := func() {
		defer wg.Done()
		_, err := agg.Refresh(context.Background(), p)
		assert.NoError(t, err)
		done.Add(1)
	}

	wg.Add(1)
	go call()
	<-f.enter // first fetch is in flight

	wg.Add(1)
	go call()
	time.Sleep(50 * time.Millisecond)

	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(2), done.Load())
	assert.Equal(t, 1, f.callCount("a"))
}
