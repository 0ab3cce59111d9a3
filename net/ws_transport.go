package net

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lcx/nexus/config"
	"github.com/lcx/nexus/log"
)

// WSTransportCfg configures the websocket gateway transport, typically used
// for game clients that cannot hold raw TCP connections.
type WSTransportCfg struct {
	Addr         string `mapstructure:"addr"`
	Path         string `mapstructure:"path"`
	MaxFrameSize int    `mapstructure:"maxFrameSize"`
}

// GetName implements the config.Config interface.
func (c *WSTransportCfg) GetName() string {
	return "ws_transport"
}

// Validate implements the config.Config interface.
func (c *WSTransportCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("Path cannot be empty")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MaxFrameSize must be positive")
	}
	return nil
}

// WSTransport serves the same wire frames as the TCP transport over binary
// websocket messages.
type WSTransport struct {
	cfg      *WSTransportCfg
	upgrader websocket.Upgrader
	server   *http.Server
	lock     sync.RWMutex
	conns    map[uint64]*wsConn
	peers    *PeerRegistry
	receiver DispatcherReceiver
	creator  MsgCreator
	stopRecv atomic.Bool

	OnPeerConnected    func(p *Peer)
	OnPeerDisconnected func(peerID uint64)
}

// NewWSTransport creates a websocket transport with the given configuration.
func NewWSTransport(cfg *WSTransportCfg) (*WSTransport, error) {
	if cfg == nil {
		return nil, errors.New("WSTransportCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WSTransport{
		cfg:   cfg,
		conns: make(map[uint64]*wsConn),
		peers: NewPeerRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// NewWSTransportWithConfigManager loads the transport configuration from the
// config manager.
func NewWSTransportWithConfigManager(cm config.ConfigManager) (*WSTransport, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &WSTransportCfg{}
	if err := cm.LoadConfig("ws_transport", cfg); err != nil {
		return nil, fmt.Errorf("failed to load ws_transport config: %w", err)
	}
	return NewWSTransport(cfg)
}

// Peers exposes the registry of connected peers.
func (t *WSTransport) Peers() *PeerRegistry {
	return t.peers
}

// Start implements Transport.
func (t *WSTransport) Start(opt TransportOption) error {
	if opt.Handler == nil || opt.Creator == nil {
		return errors.New("transport option incomplete")
	}
	t.receiver = opt.Handler
	t.creator = opt.Creator

	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, t.handleUpgrade)
	t.server = &http.Server{Addr: t.cfg.Addr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ws transport serve failed")
		}
	}()

	log.Info().Str("addr", t.cfg.Addr).Str("path", t.cfg.Path).Msg("ws transport started")
	return nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if t.stopRecv.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := t.peers.NextID()
	wc := &wsConn{id: id, conn: conn}

	t.lock.Lock()
	t.conns[id] = wc
	t.lock.Unlock()

	peer := NewPeer(id, wc.send, wc.closeWithReason)
	t.peers.Add(peer)
	if t.OnPeerConnected != nil {
		t.OnPeerConnected(peer)
	}

	go t.readLoop(wc)
}

func (t *WSTransport) readLoop(wc *wsConn) {
	defer t.dropConn(wc)

	for {
		if t.stopRecv.Load() {
			return
		}
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		head, bodyData, err := DecodeFrameBytes(data, t.cfg.MaxFrameSize)
		if err != nil {
			log.Debug().Err(err).Uint64("peer", wc.id).Msg("bad websocket frame")
			wc.closeWithReason("malformed frame")
			return
		}
		head.SrcPeerID = wc.id

		td := &TransportDelivery{
			TransSendBack: wc.send,
			Pkg:           NewRecvPkgWithBodyData(head, bodyData, t.creator),
			PeerID:        wc.id,
			Disconnect:    wc.closeWithReason,
		}
		_ = t.receiver.OnRecvTransportPkg(td)
	}
}

func (t *WSTransport) dropConn(wc *wsConn) {
	_ = wc.conn.Close()

	t.lock.Lock()
	delete(t.conns, wc.id)
	t.lock.Unlock()
	t.peers.Remove(wc.id)

	if t.OnPeerDisconnected != nil {
		t.OnPeerDisconnected(wc.id)
	}
}

// SendTo implements PeerSender.
func (t *WSTransport) SendTo(peerID uint64, pkg *SendPkg) error {
	t.lock.RLock()
	wc, ok := t.conns[peerID]
	t.lock.RUnlock()
	if !ok {
		return fmt.Errorf("peer %d not connected", peerID)
	}
	return wc.send(pkg)
}

// StopRecv implements Transport.
func (t *WSTransport) StopRecv() error {
	t.stopRecv.Store(true)
	return nil
}

// Stop implements Transport.
func (t *WSTransport) Stop() error {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(ctx)
	}

	t.lock.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, wc := range t.conns {
		conns = append(conns, wc)
	}
	t.lock.Unlock()

	for _, wc := range conns {
		t.dropConn(wc)
	}
	return nil
}

type wsConn struct {
	id      uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (wc *wsConn) send(pkg *SendPkg) error {
	if wc.closed.Load() {
		return errors.New("connection closed")
	}
	data, err := EncodeFrame(pkg)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (wc *wsConn) closeWithReason(reason string) {
	if wc.closed.Swap(true) {
		return
	}
	log.Info().Uint64("peer", wc.id).Str("reason", reason).Msg("closing websocket")
	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	_ = wc.conn.Close()
}
