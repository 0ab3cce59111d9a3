package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/nexus/config"
	"github.com/lcx/nexus/log"
)

// TCPTransportCfg configures the TCP listener transport.
type TCPTransportCfg struct {
	Addr            string `mapstructure:"addr"`
	IdleTimeout     uint32 `mapstructure:"idleTimeout"`
	SendChannelSize uint32 `mapstructure:"sendChannelSize"`
	MaxFrameSize    int    `mapstructure:"maxFrameSize"`
}

// GetName implements the config.Config interface.
func (c *TCPTransportCfg) GetName() string {
	return "tcp_transport"
}

// Validate implements the config.Config interface.
func (c *TCPTransportCfg) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("Addr cannot be empty")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MaxFrameSize must be positive")
	}
	if c.SendChannelSize <= 0 {
		return fmt.Errorf("SendChannelSize must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IdleTimeout must be positive")
	}
	return nil
}

// TCPTransport is the server-side stream transport. Every accepted connection
// gets a reader goroutine and a writer goroutine fed by a bounded send
// channel; deliveries are handed to the dispatcher synchronously from the
// reader so per-connection packet order is preserved.
type TCPTransport struct {
	cfg      *TCPTransportCfg
	lock     sync.RWMutex
	conns    map[uint64]*tcpConn
	peers    *PeerRegistry
	receiver DispatcherReceiver
	creator  MsgCreator
	listener net.Listener
	cancel   context.CancelFunc
	stopRecv atomic.Bool

	// OnPeerConnected/OnPeerDisconnected observe connection lifecycle.
	// Set before Start.
	OnPeerConnected    func(p *Peer)
	OnPeerDisconnected func(peerID uint64)
}

// NewTCPTransport creates a TCP transport with the given configuration.
func NewTCPTransport(cfg *TCPTransportCfg) (*TCPTransport, error) {
	if cfg == nil {
		return nil, errors.New("TCPTransportCfg cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TCPTransport{
		cfg:   cfg,
		conns: make(map[uint64]*tcpConn),
		peers: NewPeerRegistry(),
	}, nil
}

// NewTCPTransportWithConfigManager loads the transport configuration from the
// config manager.
func NewTCPTransportWithConfigManager(cm config.ConfigManager) (*TCPTransport, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &TCPTransportCfg{}
	if err := cm.LoadConfig("tcp_transport", cfg); err != nil {
		return nil, fmt.Errorf("failed to load tcp_transport config: %w", err)
	}
	return NewTCPTransport(cfg)
}

// Peers exposes the registry of connected peers.
func (t *TCPTransport) Peers() *PeerRegistry {
	return t.peers
}

// Addr returns the bound listen address, valid after Start.
func (t *TCPTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start implements Transport.
func (t *TCPTransport) Start(opt TransportOption) error {
	if opt.Handler == nil || opt.Creator == nil {
		return errors.New("transport option incomplete")
	}
	t.receiver = opt.Handler
	t.creator = opt.Creator

	ln, err := net.Listen("tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.Addr, err)
	}
	t.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go t.acceptLoop(ctx)

	log.Info().Str("addr", ln.Addr().String()).Msg("tcp transport started")
	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		if t.stopRecv.Load() {
			_ = conn.Close()
			continue
		}
		t.startConn(ctx, conn)
	}
}

func (t *TCPTransport) startConn(ctx context.Context, conn net.Conn) {
	id := t.peers.NextID()
	connCtx, connCancel := context.WithCancel(ctx)
	tc := &tcpConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan *SendPkg, t.cfg.SendChannelSize),
		cancel: connCancel,
	}

	t.lock.Lock()
	t.conns[id] = tc
	t.lock.Unlock()

	peer := NewPeer(id, tc.enqueue, tc.closeWithReason)
	t.peers.Add(peer)
	if t.OnPeerConnected != nil {
		t.OnPeerConnected(peer)
	}

	go tc.writeLoop(connCtx)
	go t.readLoop(connCtx, tc)
}

func (t *TCPTransport) readLoop(ctx context.Context, tc *tcpConn) {
	defer t.dropConn(tc)

	idle := time.Duration(t.cfg.IdleTimeout) * time.Second
	for {
		if t.stopRecv.Load() {
			return
		}
		_ = tc.conn.SetReadDeadline(time.Now().Add(idle))
		head, bodyData, err := ReadFrame(tc.conn, t.cfg.MaxFrameSize)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Debug().Err(err).Uint64("peer", tc.id).Msg("connection read ended")
			}
			return
		}
		// Stamp the transport identity; the wire value is untrusted.
		head.SrcPeerID = tc.id

		td := &TransportDelivery{
			TransSendBack: tc.enqueue,
			Pkg:           NewRecvPkgWithBodyData(head, bodyData, t.creator),
			PeerID:        tc.id,
			Disconnect:    tc.closeWithReason,
		}
		if err := t.receiver.OnRecvTransportPkg(td); err != nil {
			log.Debug().Err(err).Uint64("peer", tc.id).
				Str("msgId", head.GetMsgID()).Msg("delivery rejected")
		}
	}
}

func (t *TCPTransport) dropConn(tc *tcpConn) {
	tc.cancel()
	_ = tc.conn.Close()

	t.lock.Lock()
	delete(t.conns, tc.id)
	t.lock.Unlock()
	t.peers.Remove(tc.id)

	if t.OnPeerDisconnected != nil {
		t.OnPeerDisconnected(tc.id)
	}
}

// SendTo implements PeerSender.
func (t *TCPTransport) SendTo(peerID uint64, pkg *SendPkg) error {
	t.lock.RLock()
	tc, ok := t.conns[peerID]
	t.lock.RUnlock()
	if !ok {
		return fmt.Errorf("peer %d not connected", peerID)
	}
	return tc.enqueue(pkg)
}

// StopRecv implements Transport; new connections and packets are refused
// while in-flight sends drain.
func (t *TCPTransport) StopRecv() error {
	t.stopRecv.Store(true)
	return nil
}

// Stop implements Transport.
func (t *TCPTransport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		_ = t.listener.Close()
	}

	t.lock.Lock()
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, tc := range t.conns {
		conns = append(conns, tc)
	}
	t.lock.Unlock()

	for _, tc := range conns {
		t.dropConn(tc)
	}
	return nil
}

type tcpConn struct {
	id     uint64
	conn   net.Conn
	sendCh chan *SendPkg
	cancel context.CancelFunc
	closed atomic.Bool
}

func (tc *tcpConn) enqueue(pkg *SendPkg) error {
	if tc.closed.Load() {
		return errors.New("connection closed")
	}
	select {
	case tc.sendCh <- pkg:
		return nil
	default:
		return errors.New("send channel full")
	}
}

func (tc *tcpConn) closeWithReason(reason string) {
	if tc.closed.Swap(true) {
		return
	}
	log.Info().Uint64("peer", tc.id).Str("reason", reason).Msg("closing connection")
	tc.cancel()
	_ = tc.conn.Close()
}

func (tc *tcpConn) writeLoop(ctx context.Context) {
	for {
		select {
		case pkg := <-tc.sendCh:
			data, err := EncodeFrame(pkg)
			if err != nil {
				log.Error().Err(err).Uint64("peer", tc.id).Msg("encode frame failed")
				continue
			}
			if _, err := tc.conn.Write(data); err != nil {
				tc.closeWithReason("write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// TCPClient is the dialing side used by spawners and room processes to reach
// the master server. Received packets are delivered to the configured
// receiver; responses are normally routed to a Caller.
type TCPClient struct {
	conn     net.Conn
	creator  MsgCreator
	receiver DispatcherReceiver
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	maxFrame int
	closed   atomic.Bool

	// OnClosed observes connection loss. Set before the first packet.
	OnClosed func()
}

// DialTCP connects to a master server endpoint.
func DialTCP(addr string, creator MsgCreator, receiver DispatcherReceiver) (*TCPClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TCPClient{
		conn:     conn,
		creator:  creator,
		receiver: receiver,
		cancel:   cancel,
		maxFrame: DefaultMaxFrameSize,
	}
	go c.readLoop(ctx)
	return c, nil
}

// Send writes a packet to the connection.
func (c *TCPClient) Send(pkg *SendPkg) error {
	if c.closed.Load() {
		return errors.New("client closed")
	}
	data, err := EncodeFrame(pkg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// Close shuts the connection down.
func (c *TCPClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.conn.Close()
}

func (c *TCPClient) readLoop(ctx context.Context) {
	defer func() {
		_ = c.Close()
		if c.OnClosed != nil {
			c.OnClosed()
		}
	}()

	for {
		head, bodyData, err := ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				log.Debug().Err(err).Msg("client connection read ended")
			}
			return
		}
		td := &TransportDelivery{
			TransSendBack: c.Send,
			Pkg:           NewRecvPkgWithBodyData(head, bodyData, c.creator),
		}
		if c.receiver != nil {
			_ = c.receiver.OnRecvTransportPkg(td)
		}
	}
}
