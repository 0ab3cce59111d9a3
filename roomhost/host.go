package roomhost

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
	"github.com/lcx/nexus/spawner"
)

// Config describes the room process to the master. Spawned processes receive
// SpawnTaskID and SpawnCode from their spawner (command line); statically
// registered rooms leave both zero.
type Config struct {
	SpawnTaskID    uint32            `mapstructure:"spawnTaskId"`
	SpawnCode      string            `mapstructure:"spawnCode"`
	Host           string            `mapstructure:"host"`
	Port           int               `mapstructure:"port"`
	MaxConnections int32             `mapstructure:"maxConnections"`
	Password       string            `mapstructure:"password"`
	IsPublic       bool              `mapstructure:"isPublic"`
	Region         string            `mapstructure:"region"`
	Options        map[string]string `mapstructure:"options"`
}

// GetName implements the config.Config interface.
func (c *Config) GetName() string { return "roomhost" }

// Validate implements the config.Config interface.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("Host cannot be empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("Port must be positive")
	}
	if c.SpawnTaskID != 0 && c.SpawnCode == "" {
		return fmt.Errorf("SpawnCode required for spawned rooms")
	}
	return nil
}

// ErrBootstrapRefused completes a bootstrap whose exchange the master
// answered with a failure status.
var ErrBootstrapRefused = errors.New("master refused bootstrap")

// Host drives the room process bootstrap against the master: authenticate
// with the spawn code, register the room, finalize the spawn task. Every
// step is an asynchronous exchange; completion is reported through OnReady
// or OnFailed.
type Host struct {
	cfg       *Config
	caller    *net.Caller
	validator *AccessValidator
	roomID    atomic.Uint32

	// OnReady fires once the room is registered (and the spawn task
	// finalized, for spawned rooms).
	OnReady func(roomID uint32)

	// OnFailed fires when any bootstrap step fails.
	OnFailed func(err error)
}

// NewHost creates a bootstrap driver. validator may be nil when the room
// does its own admission.
func NewHost(cfg *Config, caller *net.Caller, validator *AccessValidator) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("roomhost config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Host{cfg: cfg, caller: caller, validator: validator}, nil
}

// RoomID returns the master-assigned room id, zero before registration.
func (h *Host) RoomID() uint32 {
	return h.roomID.Load()
}

// Bootstrap starts the handshake. The returned error only covers enqueuing
// the first request; the rest of the flow completes via callbacks.
func (h *Host) Bootstrap() error {
	if h.cfg.SpawnTaskID == 0 {
		return h.registerRoom()
	}
	return h.caller.Request(spawner.MsgRegisterProcess, &spawner.RegisterProcessReq{
		SpawnTaskID: h.cfg.SpawnTaskID,
		SpawnCode:   h.cfg.SpawnCode,
	}, func(pkg *net.RecvPkg, err error) {
		if err := h.exchangeErr(pkg, err); err != nil {
			h.fail(fmt.Errorf("process registration: %w", err))
			return
		}
		log.Info().Uint32("spawnTask", h.cfg.SpawnTaskID).Msg("process registered with master")
		if err := h.registerRoom(); err != nil {
			h.fail(err)
		}
	})
}

func (h *Host) registerRoom() error {
	return h.caller.Request(room.MsgRegister, &room.RegisterReq{
		SpawnTaskID:    h.cfg.SpawnTaskID,
		Host:           h.cfg.Host,
		Port:           h.cfg.Port,
		MaxConnections: h.cfg.MaxConnections,
		Password:       h.cfg.Password,
		IsPublic:       h.cfg.IsPublic,
		Region:         h.cfg.Region,
		Options:        h.cfg.Options,
	}, func(pkg *net.RecvPkg, err error) {
		if err := h.exchangeErr(pkg, err); err != nil {
			h.fail(fmt.Errorf("room registration: %w", err))
			return
		}
		body, err := pkg.DecodeBody()
		if err != nil {
			h.fail(err)
			return
		}
		res := body.(*room.RegisterRes)
		h.roomID.Store(res.RoomID)
		if h.validator != nil {
			h.validator.SetRoomID(res.RoomID)
		}
		log.Info().Uint32("room", res.RoomID).Msg("room registered with master")

		if h.cfg.SpawnTaskID == 0 {
			h.ready(res.RoomID)
			return
		}
		if err := h.finalize(res.RoomID); err != nil {
			h.fail(err)
		}
	})
}

func (h *Host) finalize(roomID uint32) error {
	final := spawner.Options{}
	for k, v := range h.cfg.Options {
		final[k] = v
	}
	return h.caller.Request(spawner.MsgFinalize, &spawner.FinalizeReq{
		SpawnTaskID:  h.cfg.SpawnTaskID,
		FinalOptions: final,
	}, func(pkg *net.RecvPkg, err error) {
		if err := h.exchangeErr(pkg, err); err != nil {
			h.fail(fmt.Errorf("finalize: %w", err))
			return
		}
		log.Info().Uint32("spawnTask", h.cfg.SpawnTaskID).Msg("spawn task finalized")
		h.ready(roomID)
	})
}

func (h *Host) exchangeErr(pkg *net.RecvPkg, err error) error {
	if err != nil {
		return err
	}
	if pkg.Head.RetCode.Failed() {
		return fmt.Errorf("%w: %s", ErrBootstrapRefused, pkg.Head.RetCode)
	}
	return nil
}

func (h *Host) ready(roomID uint32) {
	if h.OnReady != nil {
		h.OnReady(roomID)
	}
}

func (h *Host) fail(err error) {
	log.Error().Err(err).Msg("room bootstrap failed")
	if h.OnFailed != nil {
		h.OnFailed(err)
	}
}
