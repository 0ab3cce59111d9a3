package roomhost

import (
	"fmt"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/spawner"
)

// MasterLink receives everything the master sends the room process over the
// uplink: responses are completed against the Caller, notifications are
// handled in place.
type MasterLink struct {
	caller   *net.Caller
	registry *net.MessageRegistry

	// OnKillRequested fires when the master asks this process to die.
	OnKillRequested func()
}

// NewMasterLink creates the uplink receiver.
func NewMasterLink(caller *net.Caller, registry *net.MessageRegistry) *MasterLink {
	return &MasterLink{caller: caller, registry: registry}
}

// OnRecvTransportPkg implements net.DispatcherReceiver.
func (l *MasterLink) OnRecvTransportPkg(td *net.TransportDelivery) error {
	msgID := td.Pkg.Head.GetMsgID()
	info, ok := l.registry.GetInfo(msgID)
	if !ok {
		return fmt.Errorf("unknown uplink message %s", msgID)
	}

	if info.IsRes() {
		if !l.caller.HandleResponse(td.Pkg) {
			log.Debug().Str("msgId", msgID).Uint64("seq", td.Pkg.Head.GetSeqID()).
				Msg("response with no pending call")
		}
		return nil
	}

	if msgID == spawner.MsgKillProcess {
		log.Warn().Msg("master requested process shutdown")
		if l.OnKillRequested != nil {
			l.OnKillRequested()
		}
		return nil
	}

	log.Debug().Str("msgId", msgID).Msg("unhandled uplink notification")
	return nil
}
