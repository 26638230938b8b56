// Package reconciler keeps a local, ordered, deduplicated view of trips or
// offers in step with the change stream.
package reconciler

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/example/freight-matching/internal/stream"
)

// Entity is what a Collection can hold. models.Trip and models.Offer qualify.
type Entity interface {
	Key() int64
	SortTime() time.Time
	Revision() int64
}

// Result says what a merge did to the collection.
type Result string

const (
	Inserted  Result = "inserted"
	Replaced  Result = "replaced"
	Removed   Result = "removed"
	Duplicate Result = "duplicate"
	Stale     Result = "stale"
	Absent    Result = "absent"
)

// Collection is sorted by SortTime descending, ties by Key descending.
// It is not safe for concurrent use; Reconciler serialises access.
type Collection[T Entity] struct {
	items []T
	byID  map[int64]T
	// revision of the delete for ids removed since the last Replace
	tombstones map[int64]int64
}

func NewCollection[T Entity]() *Collection[T] {
	return &Collection[T]{byID: make(map[int64]T), tombstones: make(map[int64]int64)}
}

func before(a, b Entity) bool {
	at, bt := a.SortTime(), b.SortTime()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.Key() > b.Key()
}

// search returns the first index whose element does not sort before e.
func (c *Collection[T]) search(e T) int {
	return sort.Search(len(c.items), func(i int) bool { return !before(c.items[i], e) })
}

func (c *Collection[T]) insert(e T) {
	i := c.search(e)
	var zero T
	c.items = append(c.items, zero)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = e
	c.byID[e.Key()] = e
}

func (c *Collection[T]) remove(id int64) bool {
	old, ok := c.byID[id]
	if !ok {
		return false
	}
	i := c.search(old)
	for i < len(c.items) && c.items[i].Key() != id {
		i++
	}
	if i < len(c.items) {
		c.items = append(c.items[:i], c.items[i+1:]...)
	}
	delete(c.byID, id)
	return true
}

func (c *Collection[T]) tombstoned(e T) bool {
	rev, ok := c.tombstones[e.Key()]
	return ok && e.Revision() <= rev
}

// Insert adds e unless an entity with the same id is already present.
func (c *Collection[T]) Insert(e T) Result {
	if _, ok := c.byID[e.Key()]; ok {
		return Duplicate
	}
	if c.tombstoned(e) {
		return Stale
	}
	c.insert(e)
	return Inserted
}

// Update replaces the entity with e, inserting it when absent. An update
// older than what the collection already holds is discarded.
func (c *Collection[T]) Update(e T) Result {
	if old, ok := c.byID[e.Key()]; ok {
		if e.Revision() < old.Revision() {
			return Stale
		}
		c.remove(old.Key())
		c.insert(e)
		return Replaced
	}
	if c.tombstoned(e) {
		return Stale
	}
	c.insert(e)
	return Inserted
}

// Delete removes id. rev is the revision of the deleted row; later events
// for the same id at or below it are treated as stale.
func (c *Collection[T]) Delete(id, rev int64) Result {
	if rev > c.tombstones[id] {
		c.tombstones[id] = rev
	}
	if !c.remove(id) {
		return Absent
	}
	return Removed
}

// Replace swaps in the authoritative state from a full fetch.
func (c *Collection[T]) Replace(all []T) {
	c.items = c.items[:0]
	c.byID = make(map[int64]T, len(all))
	c.tombstones = make(map[int64]int64)
	for _, e := range all {
		if _, dup := c.byID[e.Key()]; dup {
			continue
		}
		c.byID[e.Key()] = e
		c.items = append(c.items, e)
	}
	sort.SliceStable(c.items, func(i, j int) bool { return before(c.items[i], c.items[j]) })
}

// Apply merges one change event.
func (c *Collection[T]) Apply(ev stream.Event) (Result, error) {
	switch ev.Type {
	case stream.Insert, stream.Update:
		var e T
		if err := json.Unmarshal(ev.After, &e); err != nil {
			return "", fmt.Errorf("reconciler: decode %s %d: %w", ev.Entity, ev.ID, err)
		}
		if ev.Type == stream.Insert {
			return c.Insert(e), nil
		}
		return c.Update(e), nil
	case stream.Delete:
		rev := int64(math.MaxInt64)
		if len(ev.Before) > 0 {
			var e T
			if err := json.Unmarshal(ev.Before, &e); err != nil {
				return "", fmt.Errorf("reconciler: decode %s %d: %w", ev.Entity, ev.ID, err)
			}
			rev = e.Revision()
		}
		return c.Delete(ev.ID, rev), nil
	default:
		return "", fmt.Errorf("reconciler: unknown event type %q", ev.Type)
	}
}

func (c *Collection[T]) Get(id int64) (T, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *Collection[T]) Len() int { return len(c.items) }

// Snapshot returns a copy in display order.
func (c *Collection[T]) Snapshot() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}
