// Package roomhost is the room-process side of the toolkit: it authenticates
// the process back to the master with its one-time spawn code, registers the
// room, and validates connecting clients' access tokens against the master
// before they are admitted.
package roomhost

import (
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
	"github.com/lcx/nexus/spawner"
)

// Message ids of the client-facing access handshake.
const (
	MsgProvideAccess    = "nexus.room.provideAccess"
	MsgProvideAccessRes = "nexus.room.provideAccess.res"
)

// ProvideAccessReq carries the token a connecting client presents to the
// room within the join grace period.
type ProvideAccessReq struct {
	Token string `json:"token"`
}

// ProvideAccessRes admits a client after its token validated.
type ProvideAccessRes struct {
	Username string `json:"username,omitempty"`
}

// RegisterClientMessages wires the client-facing handshake into the room's
// message registry. The handler is installed by the AccessValidator.
func RegisterClientMessages(reg *net.MessageRegistry, v *AccessValidator) {
	reg.Register(&net.MsgInfo{
		New: func() any { return &ProvideAccessReq{} }, MsgID: MsgProvideAccess,
		ResMsgID: MsgProvideAccessRes, ReqType: net.MRTReq, Handler: v.handleProvideAccess,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &ProvideAccessRes{} }, MsgID: MsgProvideAccessRes, ReqType: net.MRTRes,
	})
}

// RegisterMasterMessages wires the message types the room process exchanges
// with the master into its uplink registry: responses completed by the
// Caller plus the notifications the master may push.
func RegisterMasterMessages(reg *net.MessageRegistry) {
	reg.Register(&net.MsgInfo{
		New: func() any { return &spawner.RegisterProcessRes{} },
		MsgID: spawner.MsgRegisterProcessRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &spawner.FinalizeRes{} },
		MsgID: spawner.MsgFinalizeRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &room.RegisterRes{} },
		MsgID: room.MsgRegisterRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &room.ValidateAccessRes{} },
		MsgID: room.MsgValidateAccessRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &spawner.KillProcessNtf{} },
		MsgID: spawner.MsgKillProcess, ReqType: net.MRTNtf,
	})
}
