package objcache_test

import (
	"testing"
	"time"

	"github.com/rflandau/Lockstep/pkg/lockstep"
	"github.com/rflandau/Lockstep/pkg/lockstep/objcache"
	"github.com/rflandau/Lockstep/pkg/lockstep/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store map[lockstep.ObjectID][]byte

func (s store) Has(id lockstep.ObjectID) bool { _, ok := s[id]; return ok }
func (s store) Insert(id lockstep.ObjectID, data []byte, _ uint32) error {
	s[id] = data
	return nil
}

const (
	peerA lockstep.PeerID = 1
	peerB lockstep.PeerID = 2
	peerC lockstep.PeerID = 3
)

func TestCache_Dedup(t *testing.T) {
	c := objcache.New(store{})

	needed, err := c.Insert([]lockstep.ObjectID{10, 11}, peerA)
	require.NoError(t, err)
	assert.Equal(t, []lockstep.ObjectID{10, 11}, needed)

	// peer B announces an overlapping set before A answers
	needed, err = c.Insert([]lockstep.ObjectID{11, 12}, peerB)
	require.NoError(t, err)
	assert.Equal(t, []lockstep.ObjectID{12}, needed, "id 11 is already outstanding and must not be re-requested")

	e, ok := c.Find(11)
	require.True(t, ok)
	assert.Equal(t, peerA, e.Source)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 2, c.Outstanding(peerA))
	assert.Equal(t, 1, c.Outstanding(peerB))
}

func TestCache_SkipsLiveObjects(t *testing.T) {
	c := objcache.New(store{7: []byte("live")})
	needed, err := c.Insert([]lockstep.ObjectID{7, 8}, peerA)
	require.NoError(t, err)
	assert.Equal(t, []lockstep.ObjectID{8}, needed)
}

func TestCache_Submit(t *testing.T) {
	s := store{}
	c := objcache.New(s)
	_, err := c.Insert([]lockstep.ObjectID{42}, peerA)
	require.NoError(t, err)
	objs := []protocol.SubmitObject{{ID: 42, Data: []byte("x=1")}}

	t.Run("unauthorized source", func(t *testing.T) {
		n, err := c.Submit(objs, 100, peerC)
		require.Error(t, err)
		assert.Zero(t, n)
		e, ok := c.Find(42)
		require.True(t, ok, "rejected submission must leave the entry in place")
		assert.Equal(t, peerA, e.Source)
		assert.NotContains(t, s, lockstep.ObjectID(42))
	})
	t.Run("mixed batch is rejected whole", func(t *testing.T) {
		_, err := c.Submit(append(objs, protocol.SubmitObject{ID: 99}), 100, peerA)
		require.Error(t, err)
		_, ok := c.Find(42)
		assert.True(t, ok)
	})
	t.Run("matching source", func(t *testing.T) {
		n, err := c.Submit(objs, 100, peerA)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, ok := c.Find(42)
		assert.False(t, ok)
		assert.Equal(t, []byte("x=1"), s[42])
	})
	t.Run("replay", func(t *testing.T) {
		_, err := c.Submit(objs, 100, peerA)
		assert.Error(t, err, "a resolved fetch cannot be submitted twice")
	})
}

func TestCache_Sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := objcache.New(store{},
		objcache.WithClock(func() time.Time { return now }),
		objcache.WithTimeout(time.Second),
		objcache.WithMaxRetries(2))
	_, err := c.Insert([]lockstep.ObjectID{1}, peerA)
	require.NoError(t, err)

	retry, evicted := c.Sweep(now)
	assert.Empty(t, retry)
	assert.Empty(t, evicted)

	for i := 1; i <= 2; i++ {
		now = now.Add(time.Second)
		retry, evicted = c.Sweep(now)
		require.Len(t, retry, 1, "sweep %d", i)
		assert.Empty(t, evicted)
		assert.Equal(t, i, retry[0].Retries)
		assert.Equal(t, objcache.StatusRetrying, retry[0].Status)
		assert.Equal(t, peerA, retry[0].Source)
	}

	now = now.Add(time.Second)
	retry, evicted = c.Sweep(now)
	assert.Empty(t, retry)
	require.Len(t, evicted, 1)
	assert.Zero(t, c.Len())

	// once evicted, the id may be requested again
	needed, err := c.Insert([]lockstep.ObjectID{1}, peerB)
	require.NoError(t, err)
	assert.Equal(t, []lockstep.ObjectID{1}, needed)
}

func TestCache_CapacityAndDrop(t *testing.T) {
	c := objcache.New(store{}, objcache.WithCapacity(2))
	needed, err := c.Insert([]lockstep.ObjectID{1, 2, 3}, peerA)
	assert.ErrorIs(t, err, objcache.ErrFull)
	assert.Equal(t, []lockstep.ObjectID{1, 2}, needed)

	assert.ElementsMatch(t, []lockstep.ObjectID{1, 2}, c.Drop(peerA))
	assert.Zero(t, c.Len())
}
