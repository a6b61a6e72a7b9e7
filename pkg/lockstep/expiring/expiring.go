// Package expiring introduces tables whose elements are pruned once their deadline passes.
//
// Unlike a timer-driven table, pruning only occurs when the owner calls Sweep.
// This keeps expiry on the owner's goroutine (and its clock), which is what a tick-driven simulation wants.
package expiring

import (
	"sync"
	"time"
)

// wrapped value with a deadline attached
type timedV[value_t any] struct {
	val      value_t
	deadline time.Time
}

// A Table is a mutex-guarded map whose elements are removed by Sweep once their deadline has passed.
// Tables must be created with New.
//
// NOTE: elements past their deadline are still returned by Load until the next Sweep.
// Callers that care about exact expiry should Sweep before reading.
type Table[key_t comparable, value_t any] struct {
	mu sync.Mutex
	m  map[key_t]timedV[value_t]
}

// New returns an empty table.
func New[key_t comparable, value_t any]() *Table[key_t, value_t] {
	return &Table[key_t, value_t]{m: make(map[key_t]timedV[value_t])}
}

// Store saves the given k/v and sets them to expire at deadline.
// If a value was previously associated to this key, it will be overwritten along with its deadline.
func (tbl *Table[key_t, value_t]) Store(key key_t, value value_t, deadline time.Time) {
	tbl.mu.Lock()
	tbl.m[key] = timedV[value_t]{val: value, deadline: deadline}
	tbl.mu.Unlock()
}

// Load fetches the value associated to the given key if available.
func (tbl *Table[key_t, value_t]) Load(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	return tv.val, found
}

// Deadline returns the time at which key becomes eligible for pruning.
func (tbl *Table[key_t, value_t]) Deadline(key key_t) (deadline time.Time, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	return tv.deadline, found
}

// Delete destroys a key in the map, returning the value it held.
// Ineffectual if key is not found.
func (tbl *Table[key_t, value_t]) Delete(key key_t) (value value_t, found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if found {
		delete(tbl.m, key)
	}
	return tv.val, found
}

// Refresh pushes the deadline of the given key (if it exists) out to deadline.
func (tbl *Table[key_t, value_t]) Refresh(key key_t, deadline time.Time) (found bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tv, found := tbl.m[key]
	if !found {
		return false
	}
	tv.deadline = deadline
	tbl.m[key] = tv
	return true
}

// Sweep removes every element whose deadline is not after now.
// cleanup functions are called, in given order, for each pruned element after the lock is released.
// Returns the number of elements pruned.
func (tbl *Table[key_t, value_t]) Sweep(now time.Time, cleanup ...func(key_t, value_t)) int {
	type kv struct {
		k key_t
		v value_t
	}
	var pruned []kv
	tbl.mu.Lock()
	for k, tv := range tbl.m {
		if !tv.deadline.After(now) {
			delete(tbl.m, k)
			pruned = append(pruned, kv{k, tv.val})
		}
	}
	tbl.mu.Unlock()

	for _, p := range pruned {
		for _, f := range cleanup {
			f(p.k, p.v)
		}
	}
	return len(pruned)
}

// Len returns the number of elements currently held (including those awaiting a Sweep).
func (tbl *Table[key_t, value_t]) Len() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.m)
}

// RangeLocked calls fn on every element while holding the table's lock.
// fn must not call other methods on the table.
// Halts early if fn returns false.
func (tbl *Table[key_t, value_t]) RangeLocked(fn func(key_t, value_t) bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for k, tv := range tbl.m {
		if !fn(k, tv.val) {
			return
		}
	}
}
