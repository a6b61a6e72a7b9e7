// Package objcache deduplicates object fetches across peers.
//
// When several peers announce overlapping sets of object ids, each id is requested from exactly one of them.
// Data for an id is only accepted from the peer it was requested from.
package objcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/expiring"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity = 512
	// DefaultTimeout is how long a GET may go unanswered before it is re-sent.
	DefaultTimeout = 2 * time.Second
	// DefaultMaxRetries is how many times a GET is re-sent before the entry is evicted.
	DefaultMaxRetries = 3
)

// Status is the state of a single outstanding fetch.
type Status uint8

const (
	StatusRequested Status = iota + 1
	StatusRetrying
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "REQUESTED"
	case StatusRetrying:
		return "RETRYING"
	default:
		return "UNKNOWN"
	}
}

// An Entry is an outstanding fetch of a single object.
type Entry struct {
	ObjectID lockstep.ObjectID
	// the peer the GET was sent to; the only peer whose SUBMIT is accepted for this object
	Source  lockstep.PeerID
	Status  Status
	Retries int
}

// ObjectStore is the live object table the cache feeds.
type ObjectStore interface {
	// Has reports whether the object is already live (and thus never needs fetching).
	Has(id lockstep.ObjectID) bool
	// Insert makes submitted data live.
	Insert(id lockstep.ObjectID, data []byte, ts uint32) error
}

var (
	ErrFull = errors.New("object cache is full")
)

// ErrUnauthorizedSource is returned when a peer submits an object it was not asked for.
func ErrUnauthorizedSource(id lockstep.ObjectID, expected, actual lockstep.PeerID) error {
	return fmt.Errorf("object %d was requested from peer %d, not peer %d", id, expected, actual)
}

// ErrUnrequested is returned when a submission carries an object with no outstanding fetch.
func ErrUnrequested(id lockstep.ObjectID) error {
	return fmt.Errorf("object %d has no outstanding request", id)
}

// Option function to set various options on the cache.
type Option func(*Cache)

// WithLogger replaces the cache's default (disabled) logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithCapacity overwrites DefaultCapacity.
func WithCapacity(n int) Option {
	return func(c *Cache) { c.capacity = n }
}

// WithTimeout overwrites DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) { c.timeout = d }
}

// WithMaxRetries overwrites DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(c *Cache) { c.maxRetries = n }
}

// WithClock replaces time.Now for deadline accounting.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache tracks outstanding object fetches, at most one per object id.
type Cache struct {
	log        *zerolog.Logger
	store      ObjectStore
	entries    *expiring.Table[lockstep.ObjectID, Entry]
	capacity   int
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
}

// New returns an empty cache that hands accepted submissions to store.
func New(store ObjectStore, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		entries:    expiring.New[lockstep.ObjectID, Entry](),
		capacity:   DefaultCapacity,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.Nop()
		c.log = &l
	}
	return c
}

// Insert records a fetch from requester for each id that is neither live nor already outstanding.
// Returns the ids that still need to be requested, in the order given.
// If the cache fills, the remaining ids are skipped and ErrFull is returned alongside those that fit.
func (c *Cache) Insert(ids []lockstep.ObjectID, requester lockstep.PeerID) (needed []lockstep.ObjectID, err error) {
	deadline := c.now().Add(c.timeout)
	for _, id := range ids {
		if c.store != nil && c.store.Has(id) {
			continue
		}
		if _, found := c.entries.Load(id); found {
			continue
		}
		if c.entries.Len() >= c.capacity {
			return needed, ErrFull
		}
		c.entries.Store(id, Entry{ObjectID: id, Source: requester, Status: StatusRequested}, deadline)
		needed = append(needed, id)
	}
	return needed, nil
}

// Find returns the outstanding fetch for id.
func (c *Cache) Find(id lockstep.ObjectID) (Entry, bool) {
	return c.entries.Load(id)
}

// Submit validates a submission from source and, if every object in it is outstanding and was requested from source,
// hands each object to the store and resolves its fetch.
// A rejected submission changes nothing.
func (c *Cache) Submit(objs []protocol.SubmitObject, ts uint32, source lockstep.PeerID) (accepted int, err error) {
	for _, o := range objs {
		e, found := c.entries.Load(o.ID)
		if !found {
			return 0, ErrUnrequested(o.ID)
		}
		if e.Source != source {
			return 0, ErrUnauthorizedSource(o.ID, e.Source, source)
		}
	}
	for _, o := range objs {
		if c.store != nil {
			if err := c.store.Insert(o.ID, o.Data, ts); err != nil {
				return accepted, fmt.Errorf("object %d: %w", o.ID, err)
			}
		}
		c.entries.Delete(o.ID)
		accepted++
	}
	return accepted, nil
}

// Sweep handles every fetch whose deadline has passed.
// Fetches with retries remaining are re-armed and returned in retry (the caller re-sends their GETs);
// the rest are evicted.
func (c *Cache) Sweep(now time.Time) (retry, evicted []Entry) {
	c.entries.Sweep(now, func(id lockstep.ObjectID, e Entry) {
		if e.Retries >= c.maxRetries {
			evicted = append(evicted, e)
			c.log.Debug().Uint32("object", id).Uint32("source", e.Source).Msg("fetch evicted")
			return
		}
		e.Retries++
		e.Status = StatusRetrying
		c.entries.Store(id, e, now.Add(c.timeout))
		retry = append(retry, e)
	})
	return retry, evicted
}

// Drop forgets every fetch requested from source, returning the affected ids.
// Called when a peer goes away so that another peer's announcement can re-trigger the fetch.
func (c *Cache) Drop(source lockstep.PeerID) (ids []lockstep.ObjectID) {
	c.entries.RangeLocked(func(id lockstep.ObjectID, e Entry) bool {
		if e.Source == source {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		c.entries.Delete(id)
	}
	return ids
}

// Outstanding returns the number of fetches awaiting a submission from source.
func (c *Cache) Outstanding(source lockstep.PeerID) (n int) {
	c.entries.RangeLocked(func(_ lockstep.ObjectID, e Entry) bool {
		if e.Source == source {
			n++
		}
		return true
	})
	return n
}

// Len returns the number of outstanding fetches.
func (c *Cache) Len() int {
	return c.entries.Len()
}
