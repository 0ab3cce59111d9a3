package net

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lcx/nexus/config"
	"github.com/lcx/nexus/log"
)

// DispatcherDelivery extends a transport delivery with the protocol info
// resolved for the message. It is the unit handed through the filter chain to
// message handlers.
type DispatcherDelivery struct {
	*TransportDelivery
	Info *MsgInfo
}

// SendBackErr completes a request exchange with an error status and no body.
func (dd *DispatcherDelivery) SendBackErr(code RetCode) error {
	if dd.Info == nil || !dd.Info.IsReq() || dd.TransSendBack == nil {
		return nil
	}
	return dd.TransSendBack(NewResPkg(dd.Pkg.Head, dd.Info.ResMsgID, code, nil))
}

// SendBackRes completes a request exchange with a success status and body.
func (dd *DispatcherDelivery) SendBackRes(body any) error {
	if dd.Info == nil || dd.TransSendBack == nil {
		return errors.New("delivery cannot respond")
	}
	return dd.TransSendBack(NewResPkg(dd.Pkg.Head, dd.Info.ResMsgID, RetOK, body))
}

// DispatcherConfig tunes the dispatcher. Rate limiting uses a token bucket;
// both fields hot-reload through the config manager.
type DispatcherConfig struct {
	RecvRateLimit int      `mapstructure:"recvRateLimit"`
	TokenBurst    int      `mapstructure:"tokenBurst"`
	MsgFilter     []string `mapstructure:"msgFilter"`
}

// GetName implements the config.Config interface.
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate implements the config.Config interface.
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit <= 0 {
		return fmt.Errorf("RecvRateLimit must be positive")
	}
	if c.TokenBurst <= 0 {
		return fmt.Errorf("TokenBurst must be positive")
	}
	if c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

// Dispatcher is the central hub between transports and message handlers. It
// applies the filter chain (message filtering, rate limiting, custom filters)
// and routes each delivery to the handler registered for its message id.
type Dispatcher struct {
	registry     *MessageRegistry
	recvLimiter  *DispatcherRecvLimiter
	filters      DispatcherFilterChain
	msgFilterMap map[string]struct{}
	cfg          *DispatcherConfig
	lock         sync.RWMutex
}

// NewDispatcher creates a dispatcher with the given configuration and message
// registry.
func NewDispatcher(cfg *DispatcherConfig, registry *MessageRegistry) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("DispatcherConfig cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		registry:     registry,
		recvLimiter:  NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		msgFilterMap: make(map[string]struct{}),
		cfg:          cfg,
	}
	d.reloadMsgFilterCfg(cfg.MsgFilter)

	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)

	return d, nil
}

// NewDispatcherWithConfigManager loads the dispatcher configuration from the
// config manager and registers for hot reload.
func NewDispatcherWithConfigManager(cm config.ConfigManager, registry *MessageRegistry) (*Dispatcher, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &DispatcherConfig{}
	if err := cm.LoadConfig("dispatcher", cfg); err != nil {
		return nil, fmt.Errorf("failed to load dispatcher config: %w", err)
	}

	d, err := NewDispatcher(cfg, registry)
	if err != nil {
		return nil, err
	}
	cm.AddChangeListener(d)
	return d, nil
}

// OnConfigChanged implements config.ConfigChangeListener for hot reload of
// rate limits and message filters.
func (d *Dispatcher) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "dispatcher" {
		return nil
	}
	newCfg, ok := newConfig.(*DispatcherConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for Dispatcher")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	d.recvLimiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	d.msgFilterMap = make(map[string]struct{})
	d.reloadMsgFilterCfg(newCfg.MsgFilter)
	d.cfg = newCfg

	log.Info().Str("configName", configName).Msg("dispatcher configuration updated")
	return nil
}

// RegisterFilter appends a custom filter to the chain. Filters run in
// registration order after the built-in message filter and rate limiter.
func (d *Dispatcher) RegisterFilter(f DispatcherFilter) {
	d.filters = append(d.filters, f)
}

// OnRecvTransportPkg implements DispatcherReceiver; it is the entry point for
// every packet received by any transport.
func (d *Dispatcher) OnRecvTransportPkg(td *TransportDelivery) error {
	info, _ := d.registry.GetInfo(td.Pkg.Head.GetMsgID())

	dd := &DispatcherDelivery{
		TransportDelivery: td,
		Info:              info,
	}

	return d.filters.Handle(dd, d.handleTransportMsgImpl)
}

// handleTransportMsgImpl routes a filtered delivery to its registered handler.
// Handler errors are contained here: the exchange is completed with
// RetInternal and the error is logged, never propagated to the transport.
func (d *Dispatcher) handleTransportMsgImpl(dd *DispatcherDelivery) error {
	if dd.Info == nil {
		log.Warn().Str("msgId", dd.Pkg.Head.GetMsgID()).Msg("unknown message id")
		return errors.New("unknown message id")
	}
	if dd.Info.Handler == nil {
		log.Warn().Str("msgId", dd.Info.MsgID).Msg("no handler registered")
		return dd.SendBackErr(RetInternal)
	}

	if err := dd.Info.Handler(dd); err != nil {
		log.Error().Err(err).Str("msgId", dd.Info.MsgID).
			Uint64("peer", dd.PeerID).Msg("handler failed")
		return dd.SendBackErr(RetInternal)
	}
	return nil
}

func (d *Dispatcher) reloadMsgFilterCfg(filter []string) {
	for _, msgName := range filter {
		d.msgFilterMap[msgName] = struct{}{}
	}
}
