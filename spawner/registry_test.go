package spawner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectLowestLoadRatio(t *testing.T) {
	r := NewRegistry()
	a := r.Register(1, "10.0.0.1:5000", "eu", 10)
	b := r.Register(2, "10.0.0.2:5000", "eu", 2)

	// a: 0/10, b: 0/2 -> tie on ratio, a registered first.
	s, err := r.Select("eu")
	require.NoError(t, err)
	assert.Equal(t, a.ID, s.ID)

	// a: 1/10, b: 0/2 -> b wins.
	s, err = r.Select("eu")
	require.NoError(t, err)
	assert.Equal(t, b.ID, s.ID)
}

func TestSelectRegionFilter(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "10.0.0.1:5000", "eu", 4)
	us := r.Register(2, "10.0.0.2:5000", "us", 4)

	s, err := r.Select("us")
	require.NoError(t, err)
	assert.Equal(t, us.ID, s.ID)

	_, err = r.Select("asia")
	assert.ErrorIs(t, err, ErrNoSpawnerAvailable)

	// Empty region matches any spawner.
	_, err = r.Select("")
	assert.NoError(t, err)
}

func TestSelectNeverExceedsMax(t *testing.T) {
	r := NewRegistry()
	s := r.Register(1, "10.0.0.1:5000", "", 3)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Select(""); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, 3, count)
	assert.Equal(t, int32(3), r.Load(s.ID))
}

func TestReleaseNeverBelowZero(t *testing.T) {
	r := NewRegistry()
	s := r.Register(1, "10.0.0.1:5000", "", 2)

	_, err := r.Select("")
	require.NoError(t, err)
	r.Release(s.ID)
	r.Release(s.ID)
	assert.Equal(t, int32(0), r.Load(s.ID))
}

func TestUnregisterByPeer(t *testing.T) {
	r := NewRegistry()
	s := r.Register(7, "10.0.0.1:5000", "", 2)
	require.Equal(t, 1, r.Count())

	r.UnregisterByPeer(7)
	assert.Equal(t, 0, r.Count())
	_, ok := r.Get(s.ID)
	assert.False(t, ok)

	// Unknown peers are ignored.
	r.UnregisterByPeer(99)
}

type recordingObserver struct {
	mu           sync.Mutex
	registered   []uint32
	unregistered []uint32
}

func (o *recordingObserver) OnSpawnerRegistered(s *RegisteredSpawner) {
	o.mu.Lock()
	o.registered = append(o.registered, s.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnSpawnerUnregistered(s *RegisteredSpawner) {
	o.mu.Lock()
	o.unregistered = append(o.unregistered, s.ID)
	o.mu.Unlock()
}

func TestRegistryObservers(t *testing.T) {
	r := NewRegistry()
	obs := &recordingObserver{}
	r.AddObserver(obs)

	s := r.Register(1, "10.0.0.1:5000", "", 1)
	r.Unregister(s.ID)

	assert.Equal(t, []uint32{s.ID}, obs.registered)
	assert.Equal(t, []uint32{s.ID}, obs.unregistered)
}

func TestSnapshotOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(1, "a:1", "eu", 1)
	r.Register(2, "b:2", "us", 2)

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "a:1", infos[0].Address)
	assert.Equal(t, "b:2", infos[1].Address)
}

func TestReservePinnedSpawner(t *testing.T) {
	r := NewRegistry()
	s := r.Register(1, "10.0.0.1:7000", "eu", 1)

	got, err := r.Reserve(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, int32(1), r.Load(s.ID))

	_, err = r.Reserve(s.ID)
	assert.ErrorIs(t, err, ErrNoSpawnerAvailable)

	_, err = r.Reserve(999)
	assert.ErrorIs(t, err, ErrNoSpawnerAvailable)
}
