// Package master assembles the orchestration server: transports, dispatcher,
// the spawner and room modules, metrics and service discovery.
package master

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/nexus/config"
	"github.com/lcx/nexus/db"
	"github.com/lcx/nexus/discovery"
	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/metrics"
	"github.com/lcx/nexus/module"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
	"github.com/lcx/nexus/service"
	"github.com/lcx/nexus/spawner"
)

// wsPeerIDBase keeps websocket peer ids out of the TCP transport's range.
const wsPeerIDBase = uint64(1) << 32

// Config holds the top-level server settings.
type Config struct {
	// MetricsAddr serves the prometheus endpoint when non-empty.
	MetricsAddr string `mapstructure:"metricsAddr"`
}

// GetName implements the config.Config interface.
func (c *Config) GetName() string { return "master" }

// Validate implements the config.Config interface.
func (c *Config) Validate() error { return nil }

// Server is the running master process. It owns every module and implements
// module.Host so modules can look each other up during initialization.
type Server struct {
	cfg      *Config
	cm       config.ConfigManager
	msgs     *net.MessageRegistry
	disp     *net.Dispatcher
	router   *peerRouter
	tcp      *net.TCPTransport
	ws       *net.WSTransport
	modules  *module.Registry
	spawners *spawner.Controller
	rooms    *room.Controller
	mtr      *metrics.Metrics
	dbs      *db.Registry
	services *service.Locator
	disc     *discovery.Registrar
	mtrSrv   *http.Server
}

// NewServer builds a fully wired but not yet started server from the given
// configuration manager.
func NewServer(cm config.ConfigManager) (*Server, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &Config{}
	if err := cm.LoadConfig("master", cfg); err != nil {
		log.Warn().Err(err).Msg("master config missing, using defaults")
		cfg = &Config{}
	}

	s := &Server{
		cfg:      cfg,
		cm:       cm,
		msgs:     net.NewMessageRegistry(),
		router:   newPeerRouter(),
		modules:  module.NewRegistry(),
		mtr:      metrics.New(),
		dbs:      db.NewRegistry(),
		services: service.NewLocator(),
	}

	disp, err := net.NewDispatcherWithConfigManager(cm, s.msgs)
	if err != nil {
		return nil, err
	}
	s.disp = disp
	s.disp.RegisterFilter(s.packetMetricsFilter)

	clk := clock.New()

	spawnCfg := spawner.DefaultConfig()
	if err := cm.LoadConfig("spawner", spawnCfg); err != nil {
		log.Warn().Err(err).Msg("spawner config missing, using defaults")
		spawnCfg = spawner.DefaultConfig()
	}
	s.spawners, err = spawner.NewController(spawnCfg, spawner.NewRegistry(), s.router, clk, s.mtr)
	if err != nil {
		return nil, err
	}

	roomCfg := room.DefaultConfig()
	if err := cm.LoadConfig("rooms", roomCfg); err != nil {
		log.Warn().Err(err).Msg("rooms config missing, using defaults")
		roomCfg = room.DefaultConfig()
	}
	s.rooms, err = room.NewController(roomCfg, room.NewRegistry(), clk, s.mtr)
	if err != nil {
		return nil, err
	}

	if err := s.modules.Add(s.spawners); err != nil {
		return nil, err
	}
	if err := s.modules.Add(s.rooms); err != nil {
		return nil, err
	}

	s.spawners.RegisterMessages(s.msgs)
	s.rooms.RegisterMessages(s.msgs)

	s.tcp, err = net.NewTCPTransportWithConfigManager(cm)
	if err != nil {
		return nil, err
	}
	s.hookTransport(s.tcp.Peers(), s.tcp, &s.tcp.OnPeerConnected, &s.tcp.OnPeerDisconnected, 0)

	// The websocket gateway is optional; absence of its config section
	// disables it.
	if ws, wsErr := net.NewWSTransportWithConfigManager(cm); wsErr == nil {
		s.ws = ws
		s.hookTransport(ws.Peers(), ws, &ws.OnPeerConnected, &ws.OnPeerDisconnected, wsPeerIDBase)
	} else {
		log.Info().Err(wsErr).Msg("websocket transport disabled")
	}

	// Service discovery is likewise optional.
	discCfg := &discovery.Config{}
	if discErr := cm.LoadConfig("discovery", discCfg); discErr == nil {
		s.disc, err = discovery.NewRegistrar(discCfg)
		if err != nil {
			return nil, err
		}
		s.rooms.Registry().AddObserver(s.disc)
	} else {
		log.Info().Err(discErr).Msg("service discovery disabled")
	}

	// Default implementations; deployments override through the locator.
	service.Set[service.Mailer](s.services, service.LogMailer{})
	service.Set[service.Localizer](s.services, service.NewMapLocalizer("en"))

	return s, nil
}

func (s *Server) hookTransport(peers *net.PeerRegistry, sender net.PeerSender,
	onConn *func(p *net.Peer), onDisc *func(peerID uint64), idBase uint64) {
	if idBase > 0 {
		peers.SeedID(idBase)
	}
	*onConn = func(p *net.Peer) {
		s.router.attach(p.ID, sender)
	}
	*onDisc = func(peerID uint64) {
		s.router.detach(peerID)
		s.spawners.OnPeerDisconnected(peerID)
		s.rooms.OnPeerDisconnected(peerID)
	}
}

func (s *Server) packetMetricsFilter(dd *net.DispatcherDelivery, next net.DispatcherFilterHandleFunc) error {
	s.mtr.PacketsReceived.WithLabelValues(dd.Pkg.Head.GetMsgID()).Inc()
	return next(dd)
}

// Module implements module.Host.
func (s *Server) Module(t reflect.Type) module.ServerModule {
	m, ok := s.modules.Get(t)
	if !ok {
		return nil
	}
	return m
}

// TCPAddr returns the bound TCP listen address, valid after Start.
func (s *Server) TCPAddr() string { return s.tcp.Addr() }

// Spawners returns the spawner module.
func (s *Server) Spawners() *spawner.Controller { return s.spawners }

// Rooms returns the room module.
func (s *Server) Rooms() *room.Controller { return s.rooms }

// Messages returns the wire message registry.
func (s *Server) Messages() *net.MessageRegistry { return s.msgs }

// Dispatcher returns the packet dispatcher.
func (s *Server) Dispatcher() *net.Dispatcher { return s.disp }

// Metrics returns the metrics bundle.
func (s *Server) Metrics() *metrics.Metrics { return s.mtr }

// DB returns the database accessor registry.
func (s *Server) DB() *db.Registry { return s.dbs }

// Services returns the service locator.
func (s *Server) Services() *service.Locator { return s.services }

// Start initializes every module and opens the listeners.
func (s *Server) Start() error {
	if err := s.modules.InitializeAll(s); err != nil {
		return fmt.Errorf("module initialization: %w", err)
	}

	opt := net.TransportOption{Creator: s.msgs, Handler: s.disp}
	if err := s.tcp.Start(opt); err != nil {
		return err
	}
	if s.ws != nil {
		if err := s.ws.Start(opt); err != nil {
			_ = s.tcp.Stop()
			return err
		}
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.mtr.Handler())
		s.mtrSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := s.mtrSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		log.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics endpoint started")
	}

	if s.disc != nil {
		if err := s.disc.RegisterMaster(); err != nil {
			log.Warn().Err(err).Msg("master registration with consul failed")
		}
	}

	log.Info().Msg("master server started")
	return nil
}

// Stop shuts the server down: stop accepting, withdraw from discovery, stop
// the modules, then drop every connection.
func (s *Server) Stop() {
	_ = s.tcp.StopRecv()
	if s.ws != nil {
		_ = s.ws.StopRecv()
	}

	if s.disc != nil {
		s.disc.DeregisterMaster()
	}

	s.spawners.Stop()
	s.rooms.Stop()

	_ = s.tcp.Stop()
	if s.ws != nil {
		_ = s.ws.Stop()
	}
	if s.mtrSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.mtrSrv.Shutdown(ctx)
	}

	log.Info().Msg("master server stopped")
}
