// Package discovery publishes the master service and its live rooms to a
// consul catalog so external directories can find them.
package discovery

import (
	"errors"
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/room"
)

// Config locates the consul agent and names the services to publish.
type Config struct {
	// Address is the consul agent address, host:port.
	Address string `mapstructure:"address"`

	// ServiceName is the catalog name of the master service.
	ServiceName string `mapstructure:"serviceName"`

	// ServiceHost and ServicePort advertise where the master listens.
	ServiceHost string `mapstructure:"serviceHost"`
	ServicePort int    `mapstructure:"servicePort"`
}

// GetName implements the config.Config interface.
func (c *Config) GetName() string { return "discovery" }

// Validate implements the config.Config interface.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("Address cannot be empty")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("ServiceName cannot be empty")
	}
	if c.ServiceHost == "" || c.ServicePort <= 0 {
		return fmt.Errorf("ServiceHost/ServicePort must be set")
	}
	return nil
}

// agentAPI is the slice of the consul agent client the registrar uses.
type agentAPI interface {
	ServiceRegister(service *api.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
}

// Registrar registers the master service on startup and mirrors the room
// registry into the catalog through the observer interface.
type Registrar struct {
	cfg   *Config
	agent agentAPI
}

// NewRegistrar connects to the consul agent configured in cfg.
func NewRegistrar(cfg *Config) (*Registrar, error) {
	if cfg == nil {
		return nil, errors.New("discovery config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := api.NewClient(&api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registrar{cfg: cfg, agent: client.Agent()}, nil
}

func (r *Registrar) masterID() string {
	return r.cfg.ServiceName + "-master"
}

func roomID(rm *room.RegisteredRoom) string {
	return fmt.Sprintf("nexus-room-%d", rm.ID)
}

// RegisterMaster publishes the master service.
func (r *Registrar) RegisterMaster() error {
	err := r.agent.ServiceRegister(&api.AgentServiceRegistration{
		ID:      r.masterID(),
		Name:    r.cfg.ServiceName,
		Address: r.cfg.ServiceHost,
		Port:    r.cfg.ServicePort,
		Tags:    []string{"master"},
	})
	if err != nil {
		return fmt.Errorf("register master service: %w", err)
	}
	log.Info().Str("service", r.cfg.ServiceName).Msg("master service registered with consul")
	return nil
}

// DeregisterMaster withdraws the master service on shutdown.
func (r *Registrar) DeregisterMaster() {
	if err := r.agent.ServiceDeregister(r.masterID()); err != nil {
		log.Warn().Err(err).Msg("master service deregistration failed")
	}
}

// OnRoomRegistered implements room.Observer.
func (r *Registrar) OnRoomRegistered(rm *room.RegisteredRoom) {
	tags := []string{"room"}
	if rm.Region != "" {
		tags = append(tags, "region-"+rm.Region)
	}
	err := r.agent.ServiceRegister(&api.AgentServiceRegistration{
		ID:      roomID(rm),
		Name:    "nexus-room",
		Address: rm.Host,
		Port:    rm.Port,
		Tags:    tags,
	})
	if err != nil {
		log.Warn().Err(err).Uint32("room", rm.ID).Msg("room service registration failed")
	}
}

// OnRoomUnregistered implements room.Observer.
func (r *Registrar) OnRoomUnregistered(rm *room.RegisteredRoom) {
	if err := r.agent.ServiceDeregister(roomID(rm)); err != nil {
		log.Warn().Err(err).Uint32("room", rm.ID).Msg("room service deregistration failed")
	}
}
