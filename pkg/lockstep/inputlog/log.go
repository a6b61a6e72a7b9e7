package inputlog

import (
	"errors"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rs/zerolog"
)

// DefaultLogCapacity is the number of inputs retained by a Log.
const DefaultLogCapacity = 32

var ErrTooOld = errors.New("input is older than the retained window")

// Before reports whether timestamp a precedes b.
// Timestamps are milliseconds mod 2^32, so they compare within half the range (about 24.8 days) of each other and
// keep their order across a wrap.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// A Log is a circular buffer of inputs sorted ascending by timestamp.
//
// Entries are addressed logically (0 is the oldest retained entry) and stored physically at (start+i) % capacity.
// A pushed entry matching an existing (object, timestamp) pair replaces it in place. When full, the oldest entry is
// evicted before the new one is placed.
//
// The replay cursor is independent of the retention window: it walks from the earliest entry modified since the last
// Flush to the newest, so the simulation can rewind to the first point that changed.
type Log struct {
	buf   []Entry
	start int
	count int

	// logical index of the earliest entry modified since the last Flush; == count when nothing is pending
	dirty int
	// logical index of the replay cursor
	cursor int
}

// NewLog returns an empty log retaining at most capacity entries.
// A non-positive capacity is replaced by DefaultLogCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{buf: make([]Entry, capacity)}
}

func (l *Log) phys(i int) int {
	return (l.start + i) % len(l.buf)
}

func (l *Log) at(i int) *Entry {
	return &l.buf[l.phys(i)]
}

// Push merges e into the log, returning the physical slot it occupies.
func (l *Log) Push(e Entry) (slot int, err error) {
	// idempotent re-application
	for i := range l.count {
		if cur := l.at(i); cur.ObjectID == e.ObjectID && cur.Timestamp == e.Timestamp {
			*cur = e
			l.markDirty(i)
			return l.phys(i), nil
		}
	}
	if l.count > 0 && Before(e.Timestamp, l.at(0).Timestamp) {
		return -1, ErrTooOld
	}
	if l.count == len(l.buf) {
		l.evictOldest()
	}

	// first logical index with a strictly greater timestamp; equal timestamps keep arrival order
	pos := l.count
	for i := range l.count {
		if Before(e.Timestamp, l.at(i).Timestamp) {
			pos = i
			break
		}
	}
	for i := l.count; i > pos; i-- {
		*l.at(i) = *l.at(i - 1)
	}
	*l.at(pos) = e
	l.count++
	if l.dirty >= pos {
		// entries at or after pos shifted right by one
		l.dirty++
	}
	if l.cursor > pos {
		l.cursor++
	}
	l.markDirty(pos)
	return l.phys(pos), nil
}

func (l *Log) evictOldest() {
	l.buf[l.start] = Entry{}
	l.start = (l.start + 1) % len(l.buf)
	l.count--
	l.dirty = max(l.dirty-1, 0)
	l.cursor = max(l.cursor-1, 0)
}

func (l *Log) markDirty(i int) {
	if i < l.dirty {
		l.dirty = i
	}
}

// FindNearest returns the newest entry whose timestamp is not after ts.
func (l *Log) FindNearest(ts uint32) (Entry, bool) {
	for i := l.count - 1; i >= 0; i-- {
		if e := l.at(i); !Before(ts, e.Timestamp) {
			return *e, true
		}
	}
	return Entry{}, false
}

// FindNearestFor is FindNearest restricted to a single object.
func (l *Log) FindNearestFor(id lockstep.ObjectID, ts uint32) (Entry, bool) {
	for i := l.count - 1; i >= 0; i-- {
		if e := l.at(i); e.ObjectID == id && !Before(ts, e.Timestamp) {
			return *e, true
		}
	}
	return Entry{}, false
}

//#region replay

// Begin positions the replay cursor on the earliest entry modified since the last Flush.
// Returns false if there is nothing to replay.
func (l *Log) Begin() bool {
	l.cursor = l.dirty
	return l.cursor < l.count
}

// Current returns the entry under the replay cursor.
func (l *Log) Current() (Entry, bool) {
	if l.cursor >= l.count {
		return Entry{}, false
	}
	return *l.at(l.cursor), true
}

// Next advances the replay cursor, returning false once it passes the newest entry.
func (l *Log) Next() bool {
	if l.cursor < l.count {
		l.cursor++
	}
	return l.cursor < l.count
}

// Flush marks every entry as replayed.
func (l *Log) Flush() {
	l.dirty = l.count
	l.cursor = l.count
}

// Pending returns the number of entries Begin would replay.
func (l *Log) Pending() int {
	return l.count - l.dirty
}

//#endregion replay

// Len returns the number of retained entries.
func (l *Log) Len() int { return l.count }

// Cap returns the number of entries the log can retain.
func (l *Log) Cap() int { return len(l.buf) }

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, l.count)
	for i := range l.count {
		out[i] = *l.at(i)
	}
	return out
}

func (l *Log) Zerolog(ev *zerolog.Event) {
	ev.Int("count", l.count).Int("pending", l.Pending())
	if l.count > 0 {
		ev.Uint32("oldest", l.at(0).Timestamp).Uint32("newest", l.at(l.count-1).Timestamp)
	}
}
