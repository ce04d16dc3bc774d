package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Content is the payload of one reminder.
type Content struct {
	PropertyID string
	Title      string
	Body       string
	// Urgent marks a same-day turnover.
	Urgent bool
}

// Notifier is the host's local notification facility. Scheduling an id that
// already exists replaces it.
type Notifier interface {
	Schedule(ctx context.Context, id string, content Content, at time.Time) error
	CancelByPrefix(ctx context.Context, prefix string) (int, error)
	PendingCount(ctx context.Context, prefix string) (int, error)
}

// Scheduled describes a reminder held by a MemoryNotifier.
type Scheduled struct {
	ID      string
	Content Content
	At      time.Time
}

// DeliverFunc receives a reminder when it fires.
type DeliverFunc func(id string, content Content)

type memEntry struct {
	Scheduled
	timer *time.Timer
}

// MemoryNotifier keeps reminders as in-process timers and hands them to a
// DeliverFunc when due. Reminders do not survive a restart; the engine
// reschedules on startup.
type MemoryNotifier struct {
	deliver DeliverFunc

	mu      sync.Mutex
	pending map[string]*memEntry
}

// NewMemoryNotifier returns a MemoryNotifier. A nil deliver drops fired
// reminders.
func NewMemoryNotifier(deliver DeliverFunc) *MemoryNotifier {
	return &MemoryNotifier{deliver: deliver, pending: make(map[string]*memEntry)}
}

func (n *MemoryNotifier) Schedule(_ context.Context, id string, content Content, at time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if old, ok := n.pending[id]; ok {
		old.timer.Stop()
	}
	e := &memEntry{Scheduled: Scheduled{ID: id, Content: content, At: at}}
	e.timer = time.AfterFunc(time.Until(at), func() { n.fire(e) })
	n.pending[id] = e
	return nil
}

func (n *MemoryNotifier) CancelByPrefix(_ context.Context, prefix string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cancelled := 0
	for id, e := range n.pending {
		if strings.HasPrefix(id, prefix) {
			e.timer.Stop()
			delete(n.pending, id)
			cancelled++
		}
	}
	return cancelled, nil
}

func (n *MemoryNotifier) PendingCount(_ context.Context, prefix string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for id := range n.pending {
		if strings.HasPrefix(id, prefix) {
			count++
		}
	}
	return count, nil
}

// List returns the pending reminders with the prefix, soonest first.
func (n *MemoryNotifier) List(prefix string) []Scheduled {
	n.mu.Lock()
	out := make([]Scheduled, 0, len(n.pending))
	for id, e := range n.pending {
		if strings.HasPrefix(id, prefix) {
			out = append(out, e.Scheduled)
		}
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (n *MemoryNotifier) fire(e *memEntry) {
	n.mu.Lock()
	current, ok := n.pending[e.ID]
	if !ok || current != e {
		n.mu.Unlock()
		return
	}
	delete(n.pending, e.ID)
	n.mu.Unlock()

	if n.deliver != nil {
		n.deliver(e.ID, e.Content)
	}
}
