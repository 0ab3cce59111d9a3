package room

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/metrics"
	"github.com/lcx/nexus/module"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/spawner"
)

// Config tunes the room access protocol.
type Config struct {
	// TokenTTLSec is the window a token stays valid after issue.
	TokenTTLSec int `mapstructure:"tokenTtlSec"`

	// SweepIntervalMS is the cadence of the token expiry sweep.
	SweepIntervalMS int `mapstructure:"sweepIntervalMs"`
}

// GetName implements the config.Config interface.
func (c *Config) GetName() string { return "rooms" }

// Validate implements the config.Config interface.
func (c *Config) Validate() error {
	if c.TokenTTLSec <= 0 {
		return fmt.Errorf("TokenTTLSec must be positive")
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("SweepIntervalMS must be positive")
	}
	return nil
}

// DefaultConfig returns the stock room tuning.
func DefaultConfig() *Config {
	return &Config{TokenTTLSec: 30, SweepIntervalMS: 1000}
}

// Controller is the master-side rooms module: room registry, access grants
// and token validation.
type Controller struct {
	cfg      *Config
	registry *Registry
	tokens   *TokenIssuer
	clk      clock.Clock
	mtr      *metrics.Metrics

	spawners *spawner.Controller

	stop chan struct{}
	once sync.Once
}

// NewController creates the rooms module. clk may be nil for the wall clock.
func NewController(cfg *Config, registry *Registry, clk clock.Clock, mtr *metrics.Metrics) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		cfg:      cfg,
		registry: registry,
		tokens:   NewTokenIssuer(clk, time.Duration(cfg.TokenTTLSec)*time.Second),
		clk:      clk,
		mtr:      mtr,
		stop:     make(chan struct{}),
	}, nil
}

// Name implements module.ServerModule.
func (c *Controller) Name() string { return "rooms" }

// Dependencies implements module.ServerModule.
func (c *Controller) Dependencies() []reflect.Type { return nil }

// OptionalDependencies links rooms to the spawners module when it is wired
// into the same server, so spawned rooms can be cross-checked against their
// task.
func (c *Controller) OptionalDependencies() []reflect.Type {
	return []reflect.Type{reflect.TypeOf(&spawner.Controller{})}
}

// Initialize implements module.ServerModule.
func (c *Controller) Initialize(host module.Host) error {
	if m := host.Module(reflect.TypeOf(&spawner.Controller{})); m != nil {
		c.spawners, _ = m.(*spawner.Controller)
	}
	go c.runSweeper()
	return nil
}

// Stop ends the background sweep.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Registry exposes the room registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Tokens exposes the token issuer.
func (c *Controller) Tokens() *TokenIssuer { return c.tokens }

// RegisterMessages wires the room protocol into the message registry.
func (c *Controller) RegisterMessages(reg *net.MessageRegistry) {
	reg.Register(&net.MsgInfo{
		New: func() any { return &RegisterReq{} }, MsgID: MsgRegister,
		ResMsgID: MsgRegisterRes, ReqType: net.MRTReq, Handler: c.handleRegister,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &RegisterRes{} }, MsgID: MsgRegisterRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &UnregisterNtf{} }, MsgID: MsgUnregister,
		ReqType: net.MRTNtf, Handler: c.handleUnregister,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &AccessReq{} }, MsgID: MsgAccessRequest,
		ResMsgID: MsgAccessRes, ReqType: net.MRTReq, Handler: c.handleAccessRequest,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &RoomAccess{} }, MsgID: MsgAccessRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &ValidateAccessReq{} }, MsgID: MsgValidateAccess,
		ResMsgID: MsgValidateAccessRes, ReqType: net.MRTReq, Handler: c.handleValidateAccess,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &ValidateAccessRes{} }, MsgID: MsgValidateAccessRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &PlayerLeftNtf{} }, MsgID: MsgPlayerLeft,
		ReqType: net.MRTNtf, Handler: c.handlePlayerLeft,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &ListReq{} }, MsgID: MsgList,
		ResMsgID: MsgListRes, ReqType: net.MRTReq, Handler: c.handleList,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &ListRes{} }, MsgID: MsgListRes, ReqType: net.MRTRes,
	})
}

// OnPeerDisconnected drops rooms owned by a lost connection. Wired to the
// transport disconnect hook.
func (c *Controller) OnPeerDisconnected(peerID uint64) {
	c.registry.UnregisterByPeer(peerID)
	c.touchRoomGauges()
}

func (c *Controller) handleRegister(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*RegisterReq)
	if req.Host == "" || req.Port <= 0 {
		return dd.SendBackErr(net.RetInternal)
	}

	if req.SpawnTaskID != 0 && c.spawners != nil {
		if task, ok := c.spawners.Task(req.SpawnTaskID); !ok {
			log.Warn().Uint32("spawnTask", req.SpawnTaskID).
				Msg("room claims unknown spawn task")
		} else if task.Status() != spawner.StatusRegistered {
			log.Warn().Uint32("spawnTask", req.SpawnTaskID).
				Str("status", task.Status().String()).
				Msg("room registering before process registration")
		}
	}

	r := c.registry.Register(dd.Pkg.Head.GetSrcPeerID(), RegisterOptions{
		SpawnTaskID:    req.SpawnTaskID,
		Host:           req.Host,
		Port:           req.Port,
		MaxConnections: req.MaxConnections,
		Password:       req.Password,
		IsPublic:       req.IsPublic,
		Region:         req.Region,
		Options:        req.Options,
	})
	c.touchRoomGauges()
	return dd.SendBackRes(&RegisterRes{RoomID: r.ID})
}

func (c *Controller) handleUnregister(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	ntf := body.(*UnregisterNtf)

	r, ok := c.registry.Get(ntf.RoomID)
	if !ok {
		return nil
	}
	// Only the owning connection may unregister its room.
	if r.PeerID != dd.Pkg.Head.GetSrcPeerID() {
		log.Warn().Uint32("room", ntf.RoomID).Uint64("peer", dd.PeerID).
			Msg("unregister from non-owner ignored")
		return nil
	}
	c.registry.Unregister(ntf.RoomID)
	c.touchRoomGauges()
	return nil
}

func (c *Controller) handleAccessRequest(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*AccessReq)
	peerID := dd.Pkg.Head.GetSrcPeerID()

	r, ok := c.registry.Get(req.RoomID)
	if !ok {
		return dd.SendBackErr(net.RetRoomNotFound)
	}
	if err := r.Reserve(peerID, req.Password); err != nil {
		switch {
		case errors.Is(err, ErrInvalidPassword):
			return dd.SendBackErr(net.RetInvalidPassword)
		case errors.Is(err, ErrRoomFull):
			return dd.SendBackErr(net.RetRoomFull)
		default:
			return err
		}
	}

	at := c.tokens.Issue(r.ID, peerID, req.Username, nil)
	if c.mtr != nil {
		c.mtr.TokensIssued.Inc()
	}
	log.Debug().Uint32("room", r.ID).Uint64("peer", peerID).Msg("access granted")
	return dd.SendBackRes(&RoomAccess{
		RoomID:    r.ID,
		Host:      r.Host,
		Port:      r.Port,
		Token:     at.Token,
		SceneName: r.Options[spawner.OptionSceneName],
		Options:   r.Options,
	})
}

func (c *Controller) handleValidateAccess(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*ValidateAccessReq)

	r, ok := c.registry.Get(req.RoomID)
	if !ok {
		return dd.SendBackErr(net.RetRoomNotFound)
	}
	// Only the room process itself may consume tokens for its room.
	if r.PeerID != dd.Pkg.Head.GetSrcPeerID() {
		return dd.SendBackErr(net.RetUnauthorized)
	}

	at, err := c.tokens.Consume(req.RoomID, req.Token)
	if err != nil {
		return dd.SendBackErr(net.RetInvalidToken)
	}
	r.Confirm(at.PeerID)
	if c.mtr != nil {
		c.mtr.TokensConsumed.Inc()
		c.touchPlayerGauge()
	}
	log.Debug().Uint32("room", r.ID).Uint64("peer", at.PeerID).Msg("access token consumed")
	return dd.SendBackRes(&ValidateAccessRes{
		PeerID:     at.PeerID,
		Username:   at.Username,
		Properties: at.Properties,
	})
}

func (c *Controller) handlePlayerLeft(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	ntf := body.(*PlayerLeftNtf)

	if r, ok := c.registry.Get(ntf.RoomID); ok {
		r.PlayerLeft(ntf.PeerID)
		c.touchPlayerGauge()
	}
	return nil
}

func (c *Controller) handleList(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*ListReq)

	rooms := c.registry.GetPublicRooms(Filter{Region: req.Region, Options: req.Options})
	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, RoomInfo{
			RoomID:         r.ID,
			Host:           r.Host,
			Port:           r.Port,
			Region:         r.Region,
			MaxConnections: r.MaxConnections,
			OnlineCount:    r.OnlineCount(),
			PasswordNeeded: r.password != "",
			Options:        r.Options,
		})
	}
	return dd.SendBackRes(&ListRes{Rooms: infos})
}

func (c *Controller) runSweeper() {
	ticker := c.clk.Ticker(time.Duration(c.cfg.SweepIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpiredTokens()
		case <-c.stop:
			return
		}
	}
}

// SweepExpiredTokens purges expired tokens and releases the room
// reservations they held; returns how many expired.
func (c *Controller) SweepExpiredTokens() int {
	expired := c.tokens.SweepExpired()
	for _, at := range expired {
		if r, ok := c.registry.Get(at.RoomID); ok {
			// A reissued token shares the peer's pending seat; keep the
			// seat while any token for it is still live.
			if c.tokens.OutstandingFor(at.RoomID, at.PeerID) == 0 {
				r.ReleasePending(at.PeerID)
			}
		}
		if c.mtr != nil {
			c.mtr.TokensExpired.Inc()
		}
		log.Debug().Uint32("room", at.RoomID).Uint64("peer", at.PeerID).
			Msg("access token expired unused")
	}
	return len(expired)
}

func (c *Controller) touchRoomGauges() {
	if c.mtr != nil {
		c.mtr.RoomsRegistered.Set(float64(c.registry.Count()))
	}
}

func (c *Controller) touchPlayerGauge() {
	if c.mtr == nil {
		return
	}
	c.mtr.RoomPlayers.Set(float64(c.registry.OnlineTotal()))
}
