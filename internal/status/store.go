// Package status is the authoritative table of per-property, per-day
// cleaning progress.
//
// Durability is relaxed on purpose: every mutation is applied to memory and
// announced to subscribers before the call returns, while the write to the
// Persister happens later on a background goroutine. A failed write is
// logged and counted; the in-memory state stays authoritative and the next
// mutation (or Flush) retries.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"turnover/internal/caldate"
	appLog "turnover/internal/log"
	"turnover/internal/metrics"
	"turnover/internal/model"
)

// RetentionDays is how far back CleanupOld keeps entries.
const RetentionDays = 30

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("status store closed")

// ChangeKind says what a Change describes.
type ChangeKind string

const (
	ChangeSet     ChangeKind = "set"
	ChangeCleared ChangeKind = "cleared"
	ChangePurged  ChangeKind = "purged"
)

// Change is delivered to subscribers after the in-memory update committed.
type Change struct {
	Kind ChangeKind
	// Status is the new entry for ChangeSet.
	Status model.CleaningStatus
	// Removed counts entries dropped by ChangeCleared/ChangePurged.
	Removed int
}

type key struct {
	property string
	day      string
}

// Store is safe for concurrent use.
type Store struct {
	loc       *time.Location
	now       func() time.Time
	persister Persister
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	entries map[key]model.CleaningStatus
	version uint64
	saved   uint64

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObs   int

	dirty     chan struct{}
	flushReq  chan chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the zone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics records status metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open loads the persisted collection and starts the background writer.
// A load failure is returned together with a usable, empty store so the
// caller can decide whether to continue.
func Open(ctx context.Context, persister Persister, opts ...Option) (*Store, error) {
	s := &Store{
		loc:       time.Local,
		now:       time.Now,
		persister: persister,
		entries:   make(map[key]model.CleaningStatus),
		observers: make(map[int]func(Change)),
		dirty:     make(chan struct{}, 1),
		flushReq:  make(chan chan error),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	var loadErr error
	if persister != nil {
		statuses, err := persister.Load(ctx)
		if err != nil {
			loadErr = fmt.Errorf("load cleaning statuses: %w", err)
			appLog.Error("status store load failed; starting empty", err)
		}
		for _, cs := range statuses {
			cs.Date = caldate.Day(cs.Date, s.loc)
			s.entries[s.keyOf(cs.PropertyKey, cs.Date)] = cs
		}
	}
	s.updatePendingGauge()

	s.wg.Add(1)
	go s.writer()

	return s, loadErr
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs synchronously on the mutating goroutine, after
// the store lock is released, so it may call back into the Store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Get returns the entry for the property key on date's calendar day.
func (s *Store) Get(propertyKey string, date time.Time) (model.CleaningStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.entries[s.keyOf(propertyKey, date)]
	return cs, ok
}

// Set upserts the entry for (propertyKey, day of date). An existing entry
// keeps its booking reference and only takes the new status and timestamp.
// Subscribers have been notified when Set returns; the durable write may
// still be pending.
func (s *Store) Set(propertyKey string, date time.Time, bookingID string, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid cleaning status %q", status)
	}
	if strings.TrimSpace(propertyKey) == "" {
		return errors.New("property key is empty")
	}

	day := caldate.Day(date, s.loc)
	k := s.keyOf(propertyKey, day)

	s.mu.Lock()
	cs, ok := s.entries[k]
	if !ok {
		cs = model.CleaningStatus{PropertyKey: propertyKey, Date: day, BookingID: bookingID}
	}
	if cs.BookingID == "" {
		cs.BookingID = bookingID
	}
	cs.Status = status
	cs.LastUpdated = s.now()
	s.entries[k] = cs
	s.version++
	s.mu.Unlock()

	s.metrics.StatusUpdates.WithLabelValues(string(status)).Inc()
	s.updatePendingGauge()
	s.notify(Change{Kind: ChangeSet, Status: cs})
	s.markDirty()

	appLog.Debug("cleaning status set", "property", propertyKey, "date", k.day, "status", status)
	return nil
}

// GetPending returns every todo/in-progress entry ordered by day.
func (s *Store) GetPending() []model.CleaningStatus {
	s.mu.RLock()
	var out []model.CleaningStatus
	for _, cs := range s.entries {
		if cs.Status.NeedsAttention() {
			out = append(out, cs)
		}
	}
	s.mu.RUnlock()
	sortStatuses(out)
	return out
}

// PendingCount is len(GetPending()) without the copy.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, cs := range s.entries {
		if cs.Status.NeedsAttention() {
			n++
		}
	}
	return n
}

// All returns every entry ordered by day.
func (s *Store) All() []model.CleaningStatus {
	s.mu.RLock()
	out := make([]model.CleaningStatus, 0, len(s.entries))
	for _, cs := range s.entries {
		out = append(out, cs)
	}
	s.mu.RUnlock()
	sortStatuses(out)
	return out
}

// ClearAll wipes every entry. Callers are expected to regenerate tasks
// right after.
func (s *Store) ClearAll() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[key]model.CleaningStatus)
	s.version++
	s.mu.Unlock()

	s.updatePendingGauge()
	s.notify(Change{Kind: ChangeCleared, Removed: n})
	s.markDirty()
	appLog.Info("cleaning statuses cleared", "removed", n)
}

// CleanupOld drops entries dated more than RetentionDays before today and
// returns how many were removed.
func (s *Store) CleanupOld() int {
	cutoff := caldate.AddDays(caldate.Day(s.now(), s.loc), -RetentionDays)

	s.mu.Lock()
	removed := 0
	for k, cs := range s.entries {
		if cs.Date.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		s.version++
	}
	s.mu.Unlock()

	if removed == 0 {
		return 0
	}
	s.updatePendingGauge()
	s.notify(Change{Kind: ChangePurged, Removed: removed})
	s.markDirty()
	appLog.Info("old cleaning statuses purged", "removed", removed, "cutoff", cutoff.Format(caldate.DayLayout))
	return removed
}

// Flush blocks until everything committed so far has been handed to the
// Persister and returns that write's error.
func (s *Store) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after a final persist.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dirty:
			_ = s.persist()
		case reply := <-s.flushReq:
			reply <- s.persist()
		case <-s.done:
			_ = s.persist()
			return
		}
	}
}

// persist saves the current snapshot if it changed since the last
// successful save.
func (s *Store) persist() error {
	if s.persister == nil {
		return nil
	}

	s.mu.RLock()
	version := s.version
	if version == s.saved {
		s.mu.RUnlock()
		return nil
	}
	snapshot := make([]model.CleaningStatus, 0, len(s.entries))
	for _, cs := range s.entries {
		snapshot = append(snapshot, cs)
	}
	s.mu.RUnlock()
	sortStatuses(snapshot)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.metrics.PersistenceFailures.Inc()
		appLog.Warn("cleaning statuses not persisted; keeping in-memory state", "err", err, "entries", len(snapshot))
		return err
	}

	s.mu.Lock()
	if version > s.saved {
		s.saved = version
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) notify(c Change) {
	s.obsMu.RLock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) updatePendingGauge() {
	s.metrics.PendingTasks.Set(float64(s.PendingCount()))
}

func (s *Store) keyOf(propertyKey string, date time.Time) key {
	return key{property: propertyKey, day: caldate.Key(date, s.loc)}
}

func sortStatuses(ss []model.CleaningStatus) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].Date.Equal(ss[j].Date) {
			return ss[i].Date.Before(ss[j].Date)
		}
		return ss[i].PropertyKey < ss[j].PropertyKey
	})
}
