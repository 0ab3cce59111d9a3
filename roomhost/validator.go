package roomhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
)

// PlayerExtension binds a room-local connection to its master-side identity.
// Attached to the peer after successful token validation.
type PlayerExtension struct {
	// MasterPeerID is the client's identity on the master server.
	MasterPeerID uint64

	// Username and Properties come from the consumed access token.
	Username   string
	Properties map[string]string
}

const playerExtensionKey = "player"

// PlayerOf returns the player record attached to a peer, if it passed
// validation.
func PlayerOf(p *net.Peer) (*PlayerExtension, bool) {
	v, ok := p.GetExtension(playerExtensionKey)
	if !ok {
		return nil, false
	}
	ext, ok := v.(*PlayerExtension)
	return ext, ok
}

// JoinObserver receives player lifecycle events inside the room process.
type JoinObserver interface {
	OnPlayerJoined(p *net.Peer, ext *PlayerExtension)
	OnPlayerLeft(p *net.Peer, ext *PlayerExtension)
}

// ValidatorConfig tunes the client admission handshake.
type ValidatorConfig struct {
	// JoinGraceSec is how long a connected client may wait before
	// presenting its token.
	JoinGraceSec int `mapstructure:"joinGraceSec"`

	// SweepIntervalMS is the cadence of the grace-deadline sweep.
	SweepIntervalMS int `mapstructure:"sweepIntervalMs"`
}

// GetName implements the config.Config interface.
func (c *ValidatorConfig) GetName() string { return "room_validator" }

// Validate implements the config.Config interface.
func (c *ValidatorConfig) Validate() error {
	if c.JoinGraceSec <= 0 {
		return fmt.Errorf("JoinGraceSec must be positive")
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("SweepIntervalMS must be positive")
	}
	return nil
}

// DefaultValidatorConfig returns the stock admission tuning.
func DefaultValidatorConfig() *ValidatorConfig {
	return &ValidatorConfig{JoinGraceSec: 10, SweepIntervalMS: 1000}
}

type pendingJoin struct {
	peer       *net.Peer
	deadline   time.Time
	validating bool
}

// AccessValidator admits clients into the room process. Every connecting
// peer starts pending; it must present its access token within the grace
// window, the token is validated against the master asynchronously, and
// only then is the player attached. Validation of one peer never blocks
// another.
type AccessValidator struct {
	cfg    *ValidatorConfig
	caller *net.Caller
	clk    clock.Clock

	mu      sync.Mutex
	roomID  uint32
	pending map[uint64]*pendingJoin
	joined  map[uint64]*net.Peer

	observers []JoinObserver

	// NotifyPlayerLeft reports departures upstream to the master,
	// typically Caller.Notify of the playerLeft message. Optional.
	NotifyPlayerLeft func(masterPeerID uint64)

	stop chan struct{}
	once sync.Once
}

// NewAccessValidator creates a validator forwarding token checks through
// caller. clk may be nil for the wall clock.
func NewAccessValidator(cfg *ValidatorConfig, caller *net.Caller, clk clock.Clock) (*AccessValidator, error) {
	if cfg == nil {
		cfg = DefaultValidatorConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AccessValidator{
		cfg:     cfg,
		caller:  caller,
		clk:     clk,
		pending: make(map[uint64]*pendingJoin),
		joined:  make(map[uint64]*net.Peer),
		stop:    make(chan struct{}),
	}, nil
}

// SetRoomID records the master-assigned room id once registration completed.
// Tokens cannot validate before this.
func (v *AccessValidator) SetRoomID(id uint32) {
	v.mu.Lock()
	v.roomID = id
	v.mu.Unlock()
}

// AddObserver registers for join/leave events. Call during startup wiring.
func (v *AccessValidator) AddObserver(o JoinObserver) {
	v.mu.Lock()
	v.observers = append(v.observers, o)
	v.mu.Unlock()
}

// Start runs the grace-deadline sweep until Stop.
func (v *AccessValidator) Start() {
	go v.runSweeper()
}

// Stop ends the background sweep.
func (v *AccessValidator) Stop() {
	v.once.Do(func() { close(v.stop) })
}

// OnPeerConnected starts the grace window for a new client connection.
// Wired to the room transport connect hook.
func (v *AccessValidator) OnPeerConnected(p *net.Peer) {
	grace := time.Duration(v.cfg.JoinGraceSec) * time.Second
	v.mu.Lock()
	v.pending[p.ID] = &pendingJoin{peer: p, deadline: v.clk.Now().Add(grace)}
	v.mu.Unlock()
}

// OnPeerDisconnected cleans up a dropped connection and reports the
// departure if the peer had joined. Wired to the room transport disconnect
// hook.
func (v *AccessValidator) OnPeerDisconnected(peerID uint64) {
	v.mu.Lock()
	delete(v.pending, peerID)
	p, wasJoined := v.joined[peerID]
	if wasJoined {
		delete(v.joined, peerID)
	}
	observers := v.observers
	v.mu.Unlock()

	if !wasJoined {
		return
	}
	ext, ok := PlayerOf(p)
	if !ok {
		return
	}
	for _, o := range observers {
		o.OnPlayerLeft(p, ext)
	}
	if v.NotifyPlayerLeft != nil {
		v.NotifyPlayerLeft(ext.MasterPeerID)
	}
}

// PendingCount returns the number of peers inside their grace window.
func (v *AccessValidator) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// JoinedCount returns the number of admitted players.
func (v *AccessValidator) JoinedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.joined)
}

// handleProvideAccess receives the client's token and forwards validation to
// the master. The exchange completes in the response continuation; this
// handler never blocks on the uplink.
func (v *AccessValidator) handleProvideAccess(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*ProvideAccessReq)

	v.mu.Lock()
	roomID := v.roomID
	pj, isPending := v.pending[dd.PeerID]
	if isPending && !pj.validating {
		pj.validating = true
	} else {
		isPending = false
	}
	v.mu.Unlock()

	if roomID == 0 || !isPending {
		_ = dd.SendBackErr(net.RetInvalidToken)
		if dd.Disconnect != nil {
			dd.Disconnect("no pending access slot")
		}
		return nil
	}

	return v.caller.Request(room.MsgValidateAccess, &room.ValidateAccessReq{
		RoomID: roomID,
		Token:  req.Token,
	}, func(pkg *net.RecvPkg, err error) {
		v.completeValidation(dd, pj, pkg, err)
	})
}

func (v *AccessValidator) completeValidation(dd *net.DispatcherDelivery, pj *pendingJoin, pkg *net.RecvPkg, err error) {
	refuse := func(code net.RetCode, reason string) {
		log.Warn().Uint64("peer", dd.PeerID).Str("reason", reason).Msg("client refused")
		_ = dd.SendBackErr(code)
		if dd.Disconnect != nil {
			dd.Disconnect(reason)
		}
	}

	if err != nil {
		refuse(net.RetTimeout, "validation timed out")
		return
	}
	if pkg.Head.RetCode.Failed() {
		refuse(net.RetInvalidToken, "invalid access token")
		return
	}
	body, err := pkg.DecodeBody()
	if err != nil {
		refuse(net.RetInternal, "malformed validation response")
		return
	}
	res := body.(*room.ValidateAccessRes)

	ext := &PlayerExtension{
		MasterPeerID: res.PeerID,
		Username:     res.Username,
		Properties:   res.Properties,
	}
	pj.peer.SetExtension(playerExtensionKey, ext)

	v.mu.Lock()
	delete(v.pending, dd.PeerID)
	v.joined[dd.PeerID] = pj.peer
	observers := v.observers
	v.mu.Unlock()

	log.Info().Uint64("peer", dd.PeerID).Uint64("masterPeer", ext.MasterPeerID).
		Str("username", ext.Username).Msg("player joined")
	_ = dd.SendBackRes(&ProvideAccessRes{Username: ext.Username})
	for _, o := range observers {
		o.OnPlayerJoined(pj.peer, ext)
	}
}

func (v *AccessValidator) runSweeper() {
	ticker := v.clk.Ticker(time.Duration(v.cfg.SweepIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			v.SweepExpired()
		case <-v.stop:
			return
		}
	}
}

// SweepExpired disconnects pending peers whose grace window passed without a
// token; returns how many were dropped.
func (v *AccessValidator) SweepExpired() int {
	now := v.clk.Now()

	v.mu.Lock()
	var expired []*pendingJoin
	for id, pj := range v.pending {
		if pj.validating || now.Before(pj.deadline) {
			continue
		}
		expired = append(expired, pj)
		delete(v.pending, id)
	}
	v.mu.Unlock()

	for _, pj := range expired {
		log.Info().Uint64("peer", pj.peer.ID).Msg("access grace expired")
		pj.peer.Close("access timeout")
	}
	return len(expired)
}
