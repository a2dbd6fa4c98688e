package semaphore

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
)

// Holder is a granted slot.
type Holder struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner,omitempty"`
	Priority   int       `json:"priority"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Waiter is a queued acquisition. SeenAt is refreshed on every poll so
// waiters left behind by a dead process can be dropped.
type Waiter struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner,omitempty"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	SeenAt     time.Time `json:"seen_at"`
}

type resource struct {
	Holders []Holder `json:"holders"`
	Waiters []Waiter `json:"waiters"`
}

// document is the persisted form of every resource's holders and queue.
type document struct {
	Resources map[string]*resource `json:"resources"`
}

func decodeDocument(data []byte, exists bool, location string) (*document, error) {
	doc := &document{}
	if exists && len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, errors.NewStateCorruptionError(location, err)
		}
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]*resource)
	}
	return doc, nil
}

func (d *document) encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode semaphore document: %w", err)
	}
	return data, nil
}

func (d *document) resource(name string) *resource {
	r, ok := d.Resources[name]
	if !ok {
		r = &resource{}
		d.Resources[name] = r
	}
	return r
}

// queue orders waiters by priority, higher first, then by arrival.
func (r *resource) queue() {
	slices.SortStableFunc(r.Waiters, func(a, b Waiter) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

func (r *resource) waiterIndex(id string) int {
	return slices.IndexFunc(r.Waiters, func(w Waiter) bool { return w.ID == id })
}

func (r *resource) holderIndex(id string) int {
	return slices.IndexFunc(r.Holders, func(h Holder) bool { return h.ID == id })
}

func (r *resource) removeWaiter(id string) bool {
	i := r.waiterIndex(id)
	if i < 0 {
		return false
	}
	r.Waiters = slices.Delete(r.Waiters, i, i+1)
	return true
}

// dropAbandoned removes waiters not seen since cutoff and returns how many.
func (r *resource) dropAbandoned(cutoff time.Time) int {
	before := len(r.Waiters)
	r.Waiters = slices.DeleteFunc(r.Waiters, func(w Waiter) bool { return w.SeenAt.Before(cutoff) })
	return before - len(r.Waiters)
}

// tryGrant promotes waiter id to a holder when a slot is free and every
// waiter ahead of it in the queue would not fit.
func (r *resource) tryGrant(id string, limit int, now time.Time) (Holder, bool) {
	r.queue()
	free := limit - len(r.Holders)
	if free <= 0 {
		return Holder{}, false
	}
	i := r.waiterIndex(id)
	if i < 0 || i >= free {
		return Holder{}, false
	}
	w := r.Waiters[i]
	r.Waiters = slices.Delete(r.Waiters, i, i+1)
	h := Holder{ID: w.ID, Owner: w.Owner, Priority: w.Priority, AcquiredAt: now}
	r.Holders = append(r.Holders, h)
	return h, true
}
