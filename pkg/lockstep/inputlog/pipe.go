package inputlog

import "errors"

// DefaultPipeCapacity is sized so a full pipe always packs into a single datagram.
const DefaultPipeCapacity = 48

var ErrPipeFull = errors.New("input pipe is full")

// A Pipe is a bounded, insertion-ordered staging buffer.
// The out pipe collects local captures until they are flushed to peers; the in pipe collects peer inputs until they
// are merged into the log.
type Pipe struct {
	entries []Entry
}

// NewPipe returns an empty pipe holding at most capacity entries.
// A non-positive capacity is replaced by DefaultPipeCapacity.
func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	return &Pipe{entries: make([]Entry, 0, capacity)}
}

// Push appends e, failing if the pipe is at capacity.
func (p *Pipe) Push(e Entry) error {
	if p.Full() {
		return ErrPipeFull
	}
	p.entries = append(p.entries, e)
	return nil
}

// Clear logically empties the pipe, keeping its storage.
func (p *Pipe) Clear() {
	p.entries = p.entries[:0]
}

// Full reports whether the next Push would fail.
func (p *Pipe) Full() bool { return len(p.entries) == cap(p.entries) }

func (p *Pipe) Len() int { return len(p.entries) }
func (p *Pipe) Cap() int { return cap(p.entries) }

// Entries returns a copy of the pipe's contents in insertion order.
func (p *Pipe) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}
