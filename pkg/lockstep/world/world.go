// Package world is a minimal object table and simulation.
// It is what the CLI player runs and what the session tests synchronize; a real game supplies its own.
package world

import (
	"maps"
	"slices"
	"sync"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
)

type object struct {
	data []byte
	ts   uint32
}

// Table holds the live objects.
// Safe for concurrent use so a renderer may read while the session writes.
type Table struct {
	mu   sync.RWMutex
	objs map[lockstep.ObjectID]object
}

// New returns an empty object table.
func New() *Table {
	return &Table{objs: make(map[lockstep.ObjectID]object)}
}

// Has reports whether id is live.
func (t *Table) Has(id lockstep.ObjectID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.objs[id]
	return found
}

// Get returns a copy of id's data.
func (t *Table) Get(id lockstep.ObjectID) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, found := t.objs[id]
	if !found {
		return nil, false
	}
	return slices.Clone(o.data), true
}

// Insert makes id live with the given data.
// Data older than what is already held is ignored.
func (t *Table) Insert(id lockstep.ObjectID, data []byte, ts uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, found := t.objs[id]; found && o.ts > ts {
		return nil
	}
	t.objs[id] = object{data: slices.Clone(data), ts: ts}
	return nil
}

// IDs returns every live object id in ascending order.
func (t *Table) IDs() []lockstep.ObjectID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.objs))
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objs)
}

// State is the simulated state of a single object.
type State struct {
	Velocity [2]float32
	Facing   [3]float32
	// timestamp of the newest input applied
	LastInput uint32
}

// Sim applies inputs to per-object state.
type Sim struct {
	mu      sync.Mutex
	states  map[lockstep.ObjectID]State
	applied int
}

func NewSim() *Sim {
	return &Sim{states: make(map[lockstep.ObjectID]State)}
}

// ApplyInput folds e into its object's state.
// Replays of older inputs are applied too; the newest timestamp wins LastInput.
func (s *Sim) ApplyInput(e inputlog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[e.ObjectID]
	switch e.Type {
	case inputlog.TypeMovement:
		st.Velocity = e.Movement
	case inputlog.TypeDirection:
		st.Facing = e.Direction
	}
	if st.LastInput == 0 || inputlog.Before(st.LastInput, e.Timestamp) {
		st.LastInput = e.Timestamp
	}
	s.states[e.ObjectID] = st
	s.applied++
}

// State returns the current state of id.
func (s *Sim) State(id lockstep.ObjectID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.states[id]
	return st, found
}

// Applied returns the total number of inputs applied.
func (s *Sim) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}
