/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package triggers holds pending one-shot broadcast firings ordered by time.
package triggers

import (
	"container/heap"
	"iter"
	"time"

	"github.com/friendsincode/airwave/internal/apperr"
)

// Trigger is a pending firing of one broadcast.
type Trigger struct {
	ID string
	At time.Time

	index int
}

// Queue is a min-heap of triggers keyed by At, with an id index for O(log n) cancel.
// A Queue is not safe for concurrent use; the coordinator's control loop owns it.
type Queue struct {
	items triggerHeap
	byID  map[string]*Trigger
	now   func() time.Time
}

// New returns an empty queue using the wall clock.
func New() *Queue {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty queue that validates Insert against now.
func NewWithClock(now func() time.Time) *Queue {
	return &Queue{byID: make(map[string]*Trigger), now: now}
}

// Insert adds or replaces the trigger for id. at must be strictly in the future.
func (q *Queue) Insert(id string, at time.Time) error {
	if !at.After(q.now()) {
		return apperr.ErrInvalidSchedule
	}
	q.put(id, at)
	return nil
}

// Restore adds or replaces a trigger without the future check.
// It is used when reconciling persisted work that is already due.
func (q *Queue) Restore(id string, at time.Time) {
	q.put(id, at)
}

func (q *Queue) put(id string, at time.Time) {
	if t, ok := q.byID[id]; ok {
		t.At = at
		heap.Fix(&q.items, t.index)
		return
	}
	t := &Trigger{ID: id, At: at}
	heap.Push(&q.items, t)
	q.byID[id] = t
}

// Cancel removes the trigger for id. Unknown ids are ignored.
func (q *Queue) Cancel(id string) bool {
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, t.index)
	delete(q.byID, id)
	return true
}

// Contains reports whether id is pending.
func (q *Queue) Contains(id string) bool {
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of pending triggers.
func (q *Queue) Len() int {
	return len(q.items)
}

// Next returns the earliest pending trigger time.
func (q *Queue) Next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].At, true
}

// DueNow yields every trigger with At <= now in time order, removing each one
// as it is yielded. Stopping the iteration early leaves the rest queued.
func (q *Queue) DueNow(now time.Time) iter.Seq[Trigger] {
	return func(yield func(Trigger) bool) {
		for len(q.items) > 0 && !q.items[0].At.After(now) {
			t := heap.Pop(&q.items).(*Trigger)
			delete(q.byID, t.ID)
			if !yield(Trigger{ID: t.ID, At: t.At}) {
				return
			}
		}
	}
}

type triggerHeap []*Trigger

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].ID < h[j].ID
	}
	return h[i].At.Before(h[j].At)
}

func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x any) {
	t := x.(*Trigger)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
