package realtime

import (
	"sync"
	"time"

	"github.com/infinibay/rtsync/internal/logging"
	"github.com/infinibay/rtsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// FilterKind selects which entity reference a filter matches on.
type FilterKind string

const (
	FilterVM         FilterKind = protocol.EntityVM
	FilterDepartment FilterKind = protocol.EntityDepartment
	FilterRule       FilterKind = protocol.EntityRule
	FilterAll        FilterKind = "all"
)

// Filter identifies a set of events a data consumer cares about.
type Filter struct {
	Kind FilterKind
	ID   string
}

func VMFilter(id string) Filter         { return Filter{Kind: FilterVM, ID: id} }
func DepartmentFilter(id string) Filter { return Filter{Kind: FilterDepartment, ID: id} }
func RuleFilter(id string) Filter       { return Filter{Kind: FilterRule, ID: id} }

// AllFilter matches every event in the namespace.
func AllFilter() Filter { return Filter{Kind: FilterAll} }

func (f Filter) String() string {
	if f.Kind == FilterAll {
		return string(FilterAll)
	}
	return string(f.Kind) + ":" + f.ID
}

// filtersFor lists the filters an event with refs matches.
func filtersFor(refs protocol.EntityRefs) []Filter {
	out := []Filter{AllFilter()}
	if refs.VMID != "" {
		out = append(out, VMFilter(refs.VMID))
	}
	if refs.DepartmentID != "" {
		out = append(out, DepartmentFilter(refs.DepartmentID))
	}
	if refs.RuleID != "" {
		out = append(out, RuleFilter(refs.RuleID))
	}
	return out
}

// Signal is the most recent relevant change for a filter. It is replaced on
// every qualifying event, never accumulated.
type Signal struct {
	Timestamp time.Time
	Event     protocol.EventType
	Refs      protocol.EntityRefs
}

// RefetchCoordinator keeps one Signal per filter and wakes the watchers of
// a filter when its timestamp moves.
type RefetchCoordinator struct {
	debounce time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	signals  map[Filter]Signal
	watchers map[Filter]map[*Watcher]struct{}
}

func NewRefetchCoordinator(debounce time.Duration, log logrus.FieldLogger) *RefetchCoordinator {
	return &RefetchCoordinator{
		debounce: debounce,
		log:      logging.OrDiscard(log).WithField("component", "refetch"),
		now:      time.Now,
		signals:  make(map[Filter]Signal),
		watchers: make(map[Filter]map[*Watcher]struct{}),
	}
}

// Bump overwrites the signal of every filter matching refs with a new,
// strictly increasing timestamp and wakes their watchers.
func (c *RefetchCoordinator) Bump(typ protocol.EventType, refs protocol.EntityRefs) {
	c.mu.Lock()
	ts := c.now()
	if !ts.After(c.last) {
		ts = c.last.Add(time.Nanosecond)
	}
	c.last = ts

	var wake []*Watcher
	for _, f := range filtersFor(refs) {
		c.signals[f] = Signal{Timestamp: ts, Event: typ, Refs: refs}
		for w := range c.watchers[f] {
			wake = append(wake, w)
		}
	}
	c.mu.Unlock()

	for _, w := range wake {
		w.wake()
	}
}

// Signal returns the latest signal for f.
func (c *RefetchCoordinator) Signal(f Filter) (Signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signals[f]
	return s, ok
}

// Timestamp returns the latest signal time for f, or the zero time.
func (c *RefetchCoordinator) Timestamp(f Filter) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals[f].Timestamp
}

// Watch calls refetch once for every change of f's timestamp observed after
// Watch returns. Changes arriving within the debounce window are coalesced
// into one call. refetch runs on the watcher's own goroutine; its errors are
// the caller's concern.
func (c *RefetchCoordinator) Watch(f Filter, refetch func()) *Watcher {
	w := &Watcher{
		c:       c,
		filter:  f,
		refetch: refetch,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	w.seen = c.signals[f].Timestamp
	set, ok := c.watchers[f]
	if !ok {
		set = make(map[*Watcher]struct{})
		c.watchers[f] = set
	}
	set[w] = struct{}{}
	c.mu.Unlock()

	go w.loop()
	return w
}

// WatcherCount returns how many watchers are registered for f.
func (c *RefetchCoordinator) WatcherCount(f Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers[f])
}

func (c *RefetchCoordinator) remove(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.watchers[w.filter]
	delete(set, w)
	if len(set) == 0 {
		delete(c.watchers, w.filter)
	}
}

// Watcher is a registered refetch callback.
type Watcher struct {
	c       *RefetchCoordinator
	filter  Filter
	refetch func()
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	seen    time.Time
}

// Stop unregisters the watcher. Calling it more than once is harmless.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.c.remove(w)
		close(w.done)
	})
}

func (w *Watcher) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case <-w.notify:
		}

		if w.c.debounce > 0 {
			t := time.NewTimer(w.c.debounce)
			select {
			case <-w.done:
				t.Stop()
				return
			case <-t.C:
			}
			select {
			case <-w.notify:
			default:
			}
		}

		ts := w.c.Timestamp(w.filter)
		if ts.Equal(w.seen) {
			continue
		}
		w.seen = ts
		w.c.log.WithField("filter", w.filter.String()).Debug("refetch")
		w.refetch()
	}
}
