package world_test

import (
	"slices"
	"testing"

	. "github.com/rflandau/Lockstep/internal/testsupport"
	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/inputlog"
	"github.com/rflandau/Lockstep/pkg/lockstep/world"
)

func TestTable(t *testing.T) {
	tbl := world.New()
	if _, found := tbl.Get(1); found {
		t.Fatal("empty table has object 1")
	}
	tbl.Insert(3, []byte("c"), 10)
	tbl.Insert(1, []byte("a"), 10)
	// stale insert is ignored
	tbl.Insert(1, []byte("old"), 5)
	if d, _ := tbl.Get(1); string(d) != "a" {
		t.Fatal(ExpectedActual("a", string(d)))
	}
	// newer insert replaces the data
	if err := tbl.Insert(1, []byte("b"), 11); err != nil {
		t.Fatal(err)
	}
	if d, _ := tbl.Get(1); string(d) != "b" {
		t.Fatal(ExpectedActual("b", string(d)))
	}
	if ids := tbl.IDs(); !slices.Equal(ids, []lockstep.ObjectID{1, 3}) {
		t.Fatal(ExpectedActual([]lockstep.ObjectID{1, 3}, ids))
	}
}

func TestSim(t *testing.T) {
	s := world.NewSim()
	s.ApplyInput(inputlog.Entry{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 20, Movement: [2]float32{1, 0}})
	s.ApplyInput(inputlog.Entry{ObjectID: 1, Type: inputlog.TypeDirection, Timestamp: 10, Direction: [3]float32{0, 0, 1}})
	st, ok := s.State(1)
	if !ok {
		t.Fatal("no state for object 1")
	}
	if st.Velocity != [2]float32{1, 0} || st.Facing != [3]float32{0, 0, 1} || st.LastInput != 20 {
		t.Fatal("bad state", st)
	}
	if s.Applied() != 2 {
		t.Fatal(ExpectedActual(2, s.Applied()))
	}
}

func TestSim_LastInputWraps(t *testing.T) {
	s := world.NewSim()
	s.ApplyInput(inputlog.Entry{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 0xFFFFFFF0})
	s.ApplyInput(inputlog.Entry{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 5})
	// a replay of the pre-wrap input does not move LastInput back
	s.ApplyInput(inputlog.Entry{ObjectID: 1, Type: inputlog.TypeMovement, Timestamp: 0xFFFFFFF0})
	if st, _ := s.State(1); st.LastInput != 5 {
		t.Fatal(ExpectedActual(uint32(5), st.LastInput))
	}
}
