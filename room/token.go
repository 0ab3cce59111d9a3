package room

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrInvalidToken rejects a token that is unknown, expired, bound to another
// room, or already consumed.
var ErrInvalidToken = errors.New("invalid access token")

// AccessToken is a single-use credential binding a client peer to a room.
type AccessToken struct {
	// Token is the opaque credential string.
	Token string

	// RoomID is the room the token grants access to.
	RoomID uint32

	// PeerID is the master-side identity of the requesting client.
	PeerID uint64

	// Username and Properties are attached to the room-local player record
	// on successful validation.
	Username   string
	Properties map[string]string

	// IssuedAt drives expiry.
	IssuedAt time.Time
}

// TokenIssuer mints and consumes access tokens. Consume is a single critical
// section (lookup plus delete) so a token validates at most once under any
// interleaving.
type TokenIssuer struct {
	mu     sync.Mutex
	tokens map[string]*AccessToken
	clk    clock.Clock
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer with the given token lifetime.
func NewTokenIssuer(clk clock.Clock, ttl time.Duration) *TokenIssuer {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenIssuer{
		tokens: make(map[string]*AccessToken),
		clk:    clk,
		ttl:    ttl,
	}
}

// Issue mints a fresh token for peerID to enter roomID.
func (ti *TokenIssuer) Issue(roomID uint32, peerID uint64, username string, props map[string]string) *AccessToken {
	at := &AccessToken{
		Token:      uuid.NewString(),
		RoomID:     roomID,
		PeerID:     peerID,
		Username:   username,
		Properties: props,
		IssuedAt:   ti.clk.Now(),
	}
	ti.mu.Lock()
	ti.tokens[at.Token] = at
	ti.mu.Unlock()
	return at
}

// Consume validates and destroys a token. The token must exist, be bound to
// roomID, and be within its lifetime; any failure is ErrInvalidToken.
func (ti *TokenIssuer) Consume(roomID uint32, token string) (*AccessToken, error) {
	now := ti.clk.Now()

	ti.mu.Lock()
	defer ti.mu.Unlock()

	at, ok := ti.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(ti.tokens, token)
	if at.RoomID != roomID || now.Sub(at.IssuedAt) > ti.ttl {
		return nil, ErrInvalidToken
	}
	return at, nil
}

// SweepExpired purges tokens past their lifetime and returns them so the
// caller can release the room reservations they held.
func (ti *TokenIssuer) SweepExpired() []*AccessToken {
	now := ti.clk.Now()

	ti.mu.Lock()
	defer ti.mu.Unlock()

	var expired []*AccessToken
	for key, at := range ti.tokens {
		if now.Sub(at.IssuedAt) > ti.ttl {
			expired = append(expired, at)
			delete(ti.tokens, key)
		}
	}
	return expired
}

// OutstandingFor counts the unconsumed tokens peerID holds for roomID. A
// peer that re-requests access gets a fresh token sharing its single pending
// seat, so the seat is only free once this drops to zero.
func (ti *TokenIssuer) OutstandingFor(roomID uint32, peerID uint64) int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	n := 0
	for _, at := range ti.tokens {
		if at.RoomID == roomID && at.PeerID == peerID {
			n++
		}
	}
	return n
}

// OutstandingCount returns the number of unconsumed tokens.
func (ti *TokenIssuer) OutstandingCount() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return len(ti.tokens)
}
