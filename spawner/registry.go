// Package spawner implements the spawner registry and the spawn task state
// machine: tracking processes able to launch room servers, balancing spawn
// requests across them, and driving each request through its lifecycle.
package spawner

import (
	"errors"
	"sort"
	"sync"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/utils"
)

// ErrNoSpawnerAvailable is returned when no registered spawner can take
// another process. Callers may retry or queue.
var ErrNoSpawnerAvailable = errors.New("no spawner available")

// RegisteredSpawner is one connected spawner process. Load accounting is
// owned by the registry; read Load through the registry snapshot.
type RegisteredSpawner struct {
	// ID is the registry-assigned spawner identity, unique for the master
	// process lifetime.
	ID uint32

	// PeerID is the transport connection the spawner registered over.
	PeerID uint64

	// Address is where the spawner reaches its machine (host:port).
	Address string

	// Region groups spawners for request matching.
	Region string

	// MaxProcesses caps concurrent processes attributed to this spawner.
	MaxProcesses int32

	load    int32
	ordinal uint64
}

// Observer receives spawner lifecycle events.
type Observer interface {
	OnSpawnerRegistered(s *RegisteredSpawner)
	OnSpawnerUnregistered(s *RegisteredSpawner)
}

// Registry tracks connected spawners and reserves capacity on them. Load
// counters only change inside the registry lock so a selection can never
// book a spawner past its max.
type Registry struct {
	mu        sync.Mutex
	spawners  map[uint32]*RegisteredSpawner
	byPeer    map[uint64]uint32
	ids       *utils.IDSequence
	ordinal   uint64
	observers []Observer
}

// NewRegistry creates an empty spawner registry.
func NewRegistry() *Registry {
	return &Registry{
		spawners: make(map[uint32]*RegisteredSpawner),
		byPeer:   make(map[uint64]uint32),
		ids:      utils.NewIDSequence(0),
	}
}

// AddObserver registers for lifecycle events. Call during startup wiring.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Register adds a spawner and assigns its id.
func (r *Registry) Register(peerID uint64, address, region string, maxProcesses int32) *RegisteredSpawner {
	r.mu.Lock()
	r.ordinal++
	s := &RegisteredSpawner{
		ID:           r.ids.Next(),
		PeerID:       peerID,
		Address:      address,
		Region:       region,
		MaxProcesses: maxProcesses,
		ordinal:      r.ordinal,
	}
	r.spawners[s.ID] = s
	r.byPeer[peerID] = s.ID
	observers := r.observers
	r.mu.Unlock()

	log.Info().Uint32("spawner", s.ID).Str("region", region).
		Int32("maxProcesses", maxProcesses).Msg("spawner registered")
	for _, o := range observers {
		o.OnSpawnerRegistered(s)
	}
	return s
}

// Unregister removes a spawner by id.
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	s, ok := r.spawners[id]
	if ok {
		delete(r.spawners, id)
		delete(r.byPeer, s.PeerID)
	}
	observers := r.observers
	r.mu.Unlock()

	if !ok {
		return
	}
	log.Info().Uint32("spawner", id).Msg("spawner unregistered")
	for _, o := range observers {
		o.OnSpawnerUnregistered(s)
	}
}

// UnregisterByPeer removes the spawner registered over the given connection,
// if any. Wired to the transport disconnect hook.
func (r *Registry) UnregisterByPeer(peerID uint64) {
	r.mu.Lock()
	id, ok := r.byPeer[peerID]
	r.mu.Unlock()
	if ok {
		r.Unregister(id)
	}
}

// Get returns a spawner by id.
func (r *Registry) Get(id uint32) (*RegisteredSpawner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.spawners[id]
	return s, ok
}

// Count returns the number of registered spawners.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spawners)
}

// Load returns a spawner's current load.
func (r *Registry) Load(id uint32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.spawners[id]; ok {
		return s.load
	}
	return 0
}

// Select reserves capacity on the best matching spawner and returns it. An
// empty region matches every spawner; otherwise the region must match
// exactly. Among qualifying spawners the lowest load-to-max ratio wins,
// earliest registration breaking ties. The chosen spawner's load is
// incremented before the lock is released; callers must Release it when the
// task reaches a terminal state or the spawner rejects the request.
func (r *Registry) Select(region string) (*RegisteredSpawner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*RegisteredSpawner, 0, len(r.spawners))
	for _, s := range r.spawners {
		if region != "" && s.Region != region {
			continue
		}
		if s.load >= s.MaxProcesses {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, ErrNoSpawnerAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra := float64(a.load) / float64(a.MaxProcesses)
		rb := float64(b.load) / float64(b.MaxProcesses)
		if ra != rb {
			return ra < rb
		}
		return a.ordinal < b.ordinal
	})

	chosen := candidates[0]
	chosen.load++
	return chosen, nil
}

// Reserve books capacity on one specific spawner, for requests that pin their
// spawner instead of letting selection pick one. Same release contract as
// Select.
func (r *Registry) Reserve(id uint32) (*RegisteredSpawner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.spawners[id]
	if !ok || s.load >= s.MaxProcesses {
		return nil, ErrNoSpawnerAvailable
	}
	s.load++
	return s, nil
}

// Release returns one unit of reserved capacity to a spawner.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.spawners[id]
	if !ok || s.load == 0 {
		return
	}
	s.load--
}

// Snapshot returns the registered spawners with their current loads, sorted
// by registration order. For monitoring surfaces.
func (r *Registry) Snapshot() []SpawnerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]SpawnerInfo, 0, len(r.spawners))
	for _, s := range r.spawners {
		infos = append(infos, SpawnerInfo{
			ID:           s.ID,
			Address:      s.Address,
			Region:       s.Region,
			MaxProcesses: s.MaxProcesses,
			Load:         s.load,
			ordinal:      s.ordinal,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ordinal < infos[j].ordinal })
	return infos
}

// SpawnerInfo is a point-in-time view of one registered spawner.
type SpawnerInfo struct {
	ID           uint32
	Address      string
	Region       string
	MaxProcesses int32
	Load         int32

	ordinal uint64
}
