package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/observability"
	"github.com/example/freight-matching/internal/stream"
)

// State of the reconciler's connection to the change stream.
type State int

const (
	Disconnected State = iota
	Connecting
	Live
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// FetchFunc pulls the complete current state for a resync.
type FetchFunc[T Entity] func(ctx context.Context) ([]T, error)

type Options[T Entity] struct {
	Entity stream.EntityType
	Filter stream.Filter
	Source stream.Source
	Fetch  FetchFunc[T]

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger

	// OnChange runs on the event loop after every state change and every
	// merge that altered the collection. It must not block.
	OnChange func(State, []T)
}

// Reconciler runs a single event loop that merges stream events into a
// Collection. Readers can call Snapshot and State from any goroutine.
type Reconciler[T Entity] struct {
	opts Options[T]
	log  *slog.Logger

	mu     sync.RWMutex
	coll   *Collection[T]
	state  State
	synced bool
}

func New[T Entity](opts Options[T]) *Reconciler[T] {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler[T]{
		opts: opts,
		log:  opts.Logger.With("entity", string(opts.Entity)),
		coll: NewCollection[T](),
	}
}

func (r *Reconciler[T]) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Synced reports whether at least one full fetch has completed. Until then the
// snapshot is empty because nothing has ever been loaded.
func (r *Reconciler[T]) Synced() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synced
}

// Snapshot returns the last known collection, including while reconnecting.
func (r *Reconciler[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coll.Snapshot()
}

func (r *Reconciler[T]) Get(id int64) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coll.Get(id)
}

func (r *Reconciler[T]) setState(s State) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	snap := r.coll.Snapshot()
	r.mu.Unlock()
	observability.ReconcilerState.WithLabelValues(string(r.opts.Entity)).Set(float64(s))
	r.log.Info("reconciler_state", "state", s.String())
	r.notify(s, snap)
}

func (r *Reconciler[T]) notify(s State, snap []T) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(s, snap)
	}
}

// Run connects, resyncs and merges until ctx is cancelled. Every failure
// after the first connection leads to a fresh subscription and a full fetch.
func (r *Reconciler[T]) Run(ctx context.Context) error {
	if err := r.opts.validate(); err != nil {
		return err
	}
	backoff := r.opts.MinBackoff
	for {
		if r.Synced() {
			r.setState(Reconnecting)
		} else {
			r.setState(Connecting)
		}
		wentLive, err := r.session(ctx)
		if ctx.Err() != nil {
			r.setState(Disconnected)
			return ctx.Err()
		}
		if wentLive {
			backoff = r.opts.MinBackoff
		}
		r.log.Warn("reconciler_session_ended", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			r.setState(Disconnected)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.opts.MaxBackoff {
			backoff = r.opts.MaxBackoff
		}
	}
}

// session subscribes before fetching so nothing committed during the fetch is
// missed; events already reflected in the fetch are absorbed by the merge rules.
func (r *Reconciler[T]) session(ctx context.Context) (bool, error) {
	sub, err := r.opts.Source.Subscribe(ctx, r.opts.Entity, r.opts.Filter)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	items, err := r.opts.Fetch(ctx)
	if err != nil {
		return false, err
	}
	r.Resync(items)
	r.setState(Live)

	for ev := range sub.Events() {
		r.Merge(ev)
	}
	if err := sub.Err(); err != nil {
		return true, err
	}
	return true, models.ErrStreamGap
}

// Resync replaces the collection with a full fetch.
func (r *Reconciler[T]) Resync(items []T) {
	r.mu.Lock()
	r.coll.Replace(items)
	r.synced = true
	s := r.state
	snap := r.coll.Snapshot()
	r.mu.Unlock()
	observability.ReconcilerResyncs.WithLabelValues(string(r.opts.Entity)).Inc()
	r.log.Info("reconciler_resync", "count", len(snap))
	r.notify(s, snap)
}

// Merge applies one event synchronously. Events for other entity types or
// outside the filter are ignored.
func (r *Reconciler[T]) Merge(ev stream.Event) Result {
	if ev.Entity != r.opts.Entity || !r.opts.Filter.Match(ev) {
		return Absent
	}
	r.mu.Lock()
	res, err := r.coll.Apply(ev)
	s := r.state
	var snap []T
	changed := res == Inserted || res == Replaced || res == Removed
	if changed {
		snap = r.coll.Snapshot()
	}
	r.mu.Unlock()
	if err != nil {
		observability.ReconcilerEvents.WithLabelValues(string(ev.Entity), string(ev.Type), "error").Inc()
		r.log.Error("reconciler_bad_event", "id", ev.ID, "type", string(ev.Type), "error", err)
		return res
	}
	observability.ReconcilerEvents.WithLabelValues(string(ev.Entity), string(ev.Type), string(res)).Inc()
	if changed {
		r.notify(s, snap)
	}
	return res
}

var errNoSource = errors.New("reconciler: source and fetch are required")

func (o Options[T]) validate() error {
	if o.Source == nil || o.Fetch == nil {
		return errNoSource
	}
	return nil
}
