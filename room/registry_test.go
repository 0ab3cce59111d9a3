package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestRoom(reg *Registry, opts RegisterOptions) *RegisteredRoom {
	if opts.Host == "" {
		opts.Host = "10.0.0.9"
		opts.Port = 7777
	}
	return reg.Register(100, opts)
}

func TestReservePasswordAndCapacity(t *testing.T) {
	reg := NewRegistry()
	r := registerTestRoom(reg, RegisterOptions{MaxConnections: 2, Password: "s3cret"})

	assert.ErrorIs(t, r.Reserve(1, "wrong"), ErrInvalidPassword)
	require.NoError(t, r.Reserve(1, "s3cret"))
	require.NoError(t, r.Reserve(2, "s3cret"))
	assert.ErrorIs(t, r.Reserve(3, "s3cret"), ErrRoomFull)

	// An occupant reconnecting bypasses the capacity check.
	r.Confirm(1)
	assert.NoError(t, r.Reserve(1, "s3cret"))
}

func TestConcurrentReserveLastSeat(t *testing.T) {
	reg := NewRegistry()
	r := registerTestRoom(reg, RegisterOptions{MaxConnections: 2})
	require.NoError(t, r.Reserve(1, ""))
	r.Confirm(1)

	// Two peers race for the last seat; exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Reserve(uint64(10+i), "")
		}(i)
	}
	wg.Wait()

	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], ErrRoomFull)
	} else {
		assert.ErrorIs(t, errs[0], ErrRoomFull)
		assert.NoError(t, errs[1])
	}
}

func TestPendingReleasedFreesSeat(t *testing.T) {
	reg := NewRegistry()
	r := registerTestRoom(reg, RegisterOptions{MaxConnections: 1})
	require.NoError(t, r.Reserve(1, ""))
	assert.ErrorIs(t, r.Reserve(2, ""), ErrRoomFull)

	r.ReleasePending(1)
	assert.NoError(t, r.Reserve(2, ""))
}

func TestPlayerLeftFreesSeat(t *testing.T) {
	reg := NewRegistry()
	r := registerTestRoom(reg, RegisterOptions{MaxConnections: 1})
	require.NoError(t, r.Reserve(1, ""))
	r.Confirm(1)
	assert.Equal(t, 1, r.OnlineCount())

	r.PlayerLeft(1)
	assert.Equal(t, 0, r.OnlineCount())
	assert.NoError(t, r.Reserve(2, ""))
}

func TestUnlimitedRoom(t *testing.T) {
	reg := NewRegistry()
	r := registerTestRoom(reg, RegisterOptions{})
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, r.Reserve(i, ""))
	}
}

func TestGetPublicRoomsFilter(t *testing.T) {
	reg := NewRegistry()
	eu := registerTestRoom(reg, RegisterOptions{IsPublic: true, Region: "eu",
		Options: map[string]string{"mode": "ctf"}})
	registerTestRoom(reg, RegisterOptions{IsPublic: true, Region: "us"})
	registerTestRoom(reg, RegisterOptions{IsPublic: false, Region: "eu"})

	all := reg.GetPublicRooms(Filter{})
	assert.Len(t, all, 2)

	got := reg.GetPublicRooms(Filter{Region: "eu"})
	require.Len(t, got, 1)
	assert.Equal(t, eu.ID, got[0].ID)

	got = reg.GetPublicRooms(Filter{Options: map[string]string{"mode": "ctf"}})
	require.Len(t, got, 1)
	assert.Equal(t, eu.ID, got[0].ID)

	assert.Empty(t, reg.GetPublicRooms(Filter{Region: "asia"}))
}

func TestUnregisterByPeer(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register(1, RegisterOptions{Host: "h", Port: 1})
	b := reg.Register(1, RegisterOptions{Host: "h", Port: 2})
	c := reg.Register(2, RegisterOptions{Host: "h", Port: 3})

	reg.UnregisterByPeer(1)
	_, ok := reg.Get(a.ID)
	assert.False(t, ok)
	_, ok = reg.Get(b.ID)
	assert.False(t, ok)
	_, ok = reg.Get(c.ID)
	assert.True(t, ok)
}

type roomObserver struct {
	mu           sync.Mutex
	registered   int
	unregistered int
}

func (o *roomObserver) OnRoomRegistered(*RegisteredRoom) {
	o.mu.Lock()
	o.registered++
	o.mu.Unlock()
}

func (o *roomObserver) OnRoomUnregistered(*RegisteredRoom) {
	o.mu.Lock()
	o.unregistered++
	o.mu.Unlock()
}

func TestRegistryObservers(t *testing.T) {
	reg := NewRegistry()
	obs := &roomObserver{}
	reg.AddObserver(obs)

	r := registerTestRoom(reg, RegisterOptions{})
	reg.Unregister(r.ID)

	assert.Equal(t, 1, obs.registered)
	assert.Equal(t, 1, obs.unregistered)
}
