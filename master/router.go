package master

import (
	"fmt"
	"sync"

	"github.com/lcx/nexus/net"
)

// peerRouter fans outbound packets to the transport a peer is connected
// through. The server runs TCP and websocket listeners side by side; each
// stamps ids from a disjoint range, and the router remembers which transport
// owns which id.
type peerRouter struct {
	mu     sync.RWMutex
	owners map[uint64]net.PeerSender
}

func newPeerRouter() *peerRouter {
	return &peerRouter{owners: make(map[uint64]net.PeerSender)}
}

func (r *peerRouter) attach(peerID uint64, sender net.PeerSender) {
	r.mu.Lock()
	r.owners[peerID] = sender
	r.mu.Unlock()
}

func (r *peerRouter) detach(peerID uint64) {
	r.mu.Lock()
	delete(r.owners, peerID)
	r.mu.Unlock()
}

// SendTo implements net.PeerSender.
func (r *peerRouter) SendTo(peerID uint64, pkg *net.SendPkg) error {
	r.mu.RLock()
	sender, ok := r.owners[peerID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %d not connected", peerID)
	}
	return sender.SendTo(peerID, pkg)
}
