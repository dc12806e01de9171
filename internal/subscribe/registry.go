package subscribe

import (
	"sync"

	"github.com/google/uuid"

	"github.com/veldaine/unifyd/internal/state"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Snapshotter provides point-in-time snapshots for initial subscriber sync.
// Satisfied by *state.Store.
type Snapshotter interface {
	Snapshot(categories ...state.Category) state.Snapshot
}

// Registry tracks which callers want which categories of changes and
// delivers at-most-once, ordered notifications per subscriber.
//
// Notify is called synchronously by the aggregation loop after every store
// mutation. Subscribe and Notify share one mutex, so a new subscription's
// snapshot and its first delivered change can never leave a gap: every
// change is either covered by the snapshot sequence or delivered, never
// neither and never both.
type Registry struct {
	mu     sync.Mutex
	store  Snapshotter
	subs   map[string]*Subscription
	logger Logger
}

// NewRegistry creates a registry backed by the given snapshot source.
func NewRegistry(store Snapshotter) *Registry {
	return &Registry{
		store:  store,
		subs:   make(map[string]*Subscription),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Subscribe registers a new subscriber for the given categories (none means
// all). The returned subscription carries a full snapshot of current state
// taken atomically with registration, followed by exactly the changes that
// occur after that snapshot.
func (r *Registry) Subscribe(categories ...state.Category) *Subscription {
	cats := make(map[state.Category]bool, len(categories))
	for _, c := range categories {
		cats[c] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.store.Snapshot(categories...)

	sub := &Subscription{
		id:         uuid.NewString(),
		categories: cats,
		snapshot:   snap,
		lastSeq:    snap.Sequence,
		out:        make(chan state.NormalizedChange),
		done:       make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	r.subs[sub.id] = sub

	go sub.pump()

	r.logger.Debug("subscriber added", "id", sub.id, "categories", categories, "snapshot_seq", snap.Sequence)
	return sub
}

// Unsubscribe removes a subscriber and closes its change channel.
// Unknown handles are ignored.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.close()
		r.logger.Debug("subscriber removed", "id", id)
	}
}

// Notify queues one normalised change on every matching subscriber.
// Called only by the aggregation loop; delivery to each subscriber is
// ordered and at most once per change (changes already covered by the
// subscriber's snapshot, or retransmitted with an old sequence, are
// discarded).
func (r *Registry) Notify(change state.NormalizedChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		sub.offer(change)
	}
}

// Count returns the number of active subscribers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscription is one caller's ordered change feed.
//
// Consumers read the initial state via Snapshot and subsequent deltas via
// Changes. The internal queue is unbounded within the session, so a slow
// consumer delays only itself.
type Subscription struct {
	id         string
	categories map[state.Category]bool
	snapshot   state.Snapshot

	mu      sync.Mutex
	cond    *sync.Cond
	pending []state.NormalizedChange
	lastSeq uint64
	closed  bool

	out  chan state.NormalizedChange
	done chan struct{}
}

// ID returns the subscription handle.
func (s *Subscription) ID() string {
	return s.id
}

// Snapshot returns the initial state view taken at subscription time.
func (s *Subscription) Snapshot() state.Snapshot {
	return s.snapshot
}

// Changes returns the ordered delta channel. It is closed on Unsubscribe.
func (s *Subscription) Changes() <-chan state.NormalizedChange {
	return s.out
}

// offer queues a change if it matches the subscription and has not been
// delivered or covered by the snapshot already.
func (s *Subscription) offer(change state.NormalizedChange) {
	if len(s.categories) > 0 && !s.categories[change.Category] {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// At-most-once: drop anything at or below the last accepted sequence.
	// This covers both snapshot overlap and retransmission.
	if change.Sequence <= s.lastSeq {
		return
	}
	s.lastSeq = change.Sequence
	s.pending = append(s.pending, change)
	s.cond.Signal()
}

// pump moves queued changes to the consumer channel in order. It exits as
// soon as the subscription is closed; a consumer that has stopped reading
// cannot wedge it.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

// close marks the subscription finished and releases the pump.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}
