// Package room implements the master-side room registry and the single-use
// access token protocol binding a client peer to a room.
package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/utils"
)

var (
	// ErrRoomNotFound is returned for operations on unknown room ids.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidPassword rejects an access request with a wrong password.
	ErrInvalidPassword = errors.New("invalid room password")
	// ErrRoomFull rejects an access request against a room at capacity.
	ErrRoomFull = errors.New("room is full")
)

// RegisteredRoom is one live room as the master tracks it. Occupancy is
// guarded by the room's own mutex: a slot is pending from token issue until
// the room validates the token, online afterwards. Pending slots count
// toward capacity so two concurrent access grants can never oversubscribe
// the last seat.
type RegisteredRoom struct {
	// ID is the master-assigned room identity.
	ID uint32

	// SpawnTaskID links the room to the spawn task that produced it, zero
	// for statically registered rooms.
	SpawnTaskID uint32

	// PeerID is the room process connection.
	PeerID uint64

	// Host and Port are where clients connect directly.
	Host string
	Port int

	// MaxConnections caps concurrent players, zero for unlimited.
	MaxConnections int32

	// IsPublic controls room list visibility.
	IsPublic bool

	// Region groups rooms for list filtering.
	Region string

	// Options is the custom name/value bag reported at registration.
	Options map[string]string

	password string
	ordinal  uint64

	mu      sync.Mutex
	pending map[uint64]struct{}
	online  map[uint64]struct{}
}

// Reserve holds a seat for peerID after validating the password and
// capacity. A peer already online or pending is a reconnecting occupant and
// bypasses the capacity check.
func (r *RegisteredRoom) Reserve(peerID uint64, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.password != "" && r.password != password {
		return ErrInvalidPassword
	}
	_, isOnline := r.online[peerID]
	_, isPending := r.pending[peerID]
	if !isOnline && !isPending && r.MaxConnections > 0 &&
		int32(len(r.online)+len(r.pending)) >= r.MaxConnections {
		return ErrRoomFull
	}
	r.pending[peerID] = struct{}{}
	return nil
}

// Confirm moves a pending peer online after its token validated.
func (r *RegisteredRoom) Confirm(peerID uint64) {
	r.mu.Lock()
	delete(r.pending, peerID)
	r.online[peerID] = struct{}{}
	r.mu.Unlock()
}

// ReleasePending drops a reservation whose token expired unused.
func (r *RegisteredRoom) ReleasePending(peerID uint64) {
	r.mu.Lock()
	delete(r.pending, peerID)
	r.mu.Unlock()
}

// PlayerLeft removes a peer from the online set.
func (r *RegisteredRoom) PlayerLeft(peerID uint64) {
	r.mu.Lock()
	delete(r.online, peerID)
	r.mu.Unlock()
}

// OnlineCount returns the number of confirmed players.
func (r *RegisteredRoom) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

// PendingCount returns the number of unconsumed reservations.
func (r *RegisteredRoom) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Observer receives room lifecycle events.
type Observer interface {
	OnRoomRegistered(r *RegisteredRoom)
	OnRoomUnregistered(r *RegisteredRoom)
}

// RegisterOptions carries everything a room reports when registering.
type RegisterOptions struct {
	SpawnTaskID    uint32
	Host           string
	Port           int
	MaxConnections int32
	Password       string
	IsPublic       bool
	Region         string
	Options        map[string]string
}

// Registry tracks live rooms.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[uint32]*RegisteredRoom
	ids       *utils.IDSequence
	ordinal   uint64
	observers []Observer
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[uint32]*RegisteredRoom),
		ids:   utils.NewIDSequence(0),
	}
}

// AddObserver registers for lifecycle events. Call during startup wiring.
func (reg *Registry) AddObserver(o Observer) {
	reg.mu.Lock()
	reg.observers = append(reg.observers, o)
	reg.mu.Unlock()
}

// Register adds a room and assigns its id.
func (reg *Registry) Register(peerID uint64, opts RegisterOptions) *RegisteredRoom {
	reg.mu.Lock()
	reg.ordinal++
	r := &RegisteredRoom{
		ID:             reg.ids.Next(),
		SpawnTaskID:    opts.SpawnTaskID,
		PeerID:         peerID,
		Host:           opts.Host,
		Port:           opts.Port,
		MaxConnections: opts.MaxConnections,
		IsPublic:       opts.IsPublic,
		Region:         opts.Region,
		Options:        opts.Options,
		password:       opts.Password,
		ordinal:        reg.ordinal,
		pending:        make(map[uint64]struct{}),
		online:         make(map[uint64]struct{}),
	}
	reg.rooms[r.ID] = r
	observers := reg.observers
	reg.mu.Unlock()

	log.Info().Uint32("room", r.ID).Str("addr", utils.JoinAddr(r.Host, r.Port)).
		Bool("public", r.IsPublic).Msg("room registered")
	for _, o := range observers {
		o.OnRoomRegistered(r)
	}
	return r
}

// Unregister removes a room by id.
func (reg *Registry) Unregister(id uint32) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if ok {
		delete(reg.rooms, id)
	}
	observers := reg.observers
	reg.mu.Unlock()

	if !ok {
		return
	}
	log.Info().Uint32("room", id).Msg("room unregistered")
	for _, o := range observers {
		o.OnRoomUnregistered(r)
	}
}

// UnregisterByPeer removes every room owned by a dropped connection. Wired
// to the transport disconnect hook.
func (reg *Registry) UnregisterByPeer(peerID uint64) {
	reg.mu.RLock()
	var ids []uint32
	for id, r := range reg.rooms {
		if r.PeerID == peerID {
			ids = append(ids, id)
		}
	}
	reg.mu.RUnlock()

	for _, id := range ids {
		reg.Unregister(id)
	}
}

// Get returns a room by id.
func (reg *Registry) Get(id uint32) (*RegisteredRoom, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// OnlineTotal sums confirmed players across all rooms.
func (reg *Registry) OnlineTotal() int {
	reg.mu.RLock()
	rooms := make([]*RegisteredRoom, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	total := 0
	for _, r := range rooms {
		total += r.OnlineCount()
	}
	return total
}

// Filter narrows a public room listing.
type Filter struct {
	// Region must match exactly when set.
	Region string
	// Options must all be present with equal values when set.
	Options map[string]string
}

func (f Filter) matches(r *RegisteredRoom) bool {
	if f.Region != "" && f.Region != r.Region {
		return false
	}
	for k, v := range f.Options {
		if r.Options[k] != v {
			return false
		}
	}
	return true
}

// GetPublicRooms lists public rooms matching the filter, in registration
// order.
func (reg *Registry) GetPublicRooms(f Filter) []*RegisteredRoom {
	reg.mu.RLock()
	rooms := make([]*RegisteredRoom, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		if r.IsPublic && f.matches(r) {
			rooms = append(rooms, r)
		}
	}
	reg.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ordinal < rooms[j].ordinal })
	return rooms
}
