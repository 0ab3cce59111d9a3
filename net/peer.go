package net

import (
	"sync"
	"sync/atomic"
)

// Peer represents one connected remote (client, spawner or room process) as
// seen by a server-side transport. Arbitrary extensions can be attached to a
// peer, e.g. the player record a room attaches after token validation.
type Peer struct {
	// ID is the transport-assigned connection identity.
	ID uint64

	// SendBack pushes a packet to this peer.
	SendBack SendBackFunc

	// CloseFn drops the connection with a reason string.
	CloseFn func(reason string)

	mu  sync.RWMutex
	ext map[string]any
}

// NewPeer creates a peer record.
func NewPeer(id uint64, send SendBackFunc, closeFn func(string)) *Peer {
	return &Peer{ID: id, SendBack: send, CloseFn: closeFn, ext: make(map[string]any)}
}

// Send pushes a packet to the peer.
func (p *Peer) Send(pkg *SendPkg) error {
	return p.SendBack(pkg)
}

// Close drops the peer's connection with a reason.
func (p *Peer) Close(reason string) {
	if p.CloseFn != nil {
		p.CloseFn(reason)
	}
}

// SetExtension attaches a named extension object.
func (p *Peer) SetExtension(key string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ext[key] = v
}

// GetExtension returns a previously attached extension.
func (p *Peer) GetExtension(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.ext[key]
	return v, ok
}

// ClearExtension removes a named extension.
func (p *Peer) ClearExtension(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ext, key)
}

// PeerRegistry tracks connected peers by id.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[uint64]*Peer
	seq   atomic.Uint64
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[uint64]*Peer)}
}

// NextID issues a fresh peer id.
func (r *PeerRegistry) NextID() uint64 {
	return r.seq.Add(1)
}

// SeedID advances the id sequence past start. Used when several transports
// must share one peer id space without colliding.
func (r *PeerRegistry) SeedID(start uint64) {
	r.seq.Store(start)
}

// Add registers a peer.
func (r *PeerRegistry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

// Remove unregisters a peer by id.
func (r *PeerRegistry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get looks up a peer by id.
func (r *PeerRegistry) Get(id uint64) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Count returns the number of connected peers.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Range calls fn for every peer until fn returns false.
func (r *PeerRegistry) Range(fn func(p *Peer) bool) {
	r.mu.RLock()
	snapshot := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if !fn(p) {
			return
		}
	}
}
