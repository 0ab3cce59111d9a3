package net

import (
	"errors"
)

// MsgReqType classifies registered messages.
type MsgReqType int

const (
	// MRTNone is an invalid or unregistered message type.
	MRTNone MsgReqType = iota
	// MRTReq is a request expecting a response.
	MRTReq
	// MRTRes is a response to a previous request.
	MRTRes
	// MRTNtf is a fire-and-forget notification.
	MRTNtf
)

// HandlerFunc processes one dispatched packet. Handlers complete the exchange
// themselves (success response or typed error status); a returned error is
// logged by the dispatcher and answered with RetInternal for requests.
type HandlerFunc func(dd *DispatcherDelivery) error

// MsgInfo describes one registered message type.
type MsgInfo struct {
	// New creates an empty body instance for decoding.
	New func() any
	// MsgID is the unique message identifier.
	MsgID string
	// ResMsgID names the paired response message for requests.
	ResMsgID string
	// ReqType classifies the message.
	ReqType MsgReqType
	// Handler processes the message; nil for response-only registrations
	// consumed by a Caller.
	Handler HandlerFunc
}

// IsReq reports whether the message expects a response.
func (mi *MsgInfo) IsReq() bool {
	return mi != nil && mi.ReqType == MRTReq
}

// IsRes reports whether the message is a response.
func (mi *MsgInfo) IsRes() bool {
	return mi != nil && mi.ReqType == MRTRes
}

// IsNtf reports whether the message is a notification.
func (mi *MsgInfo) IsNtf() bool {
	return mi != nil && mi.ReqType == MRTNtf
}

// MessageRegistry maps message ids to their protocol info. It also implements
// MsgCreator for lazy body decoding. Registration happens during startup
// wiring; the registry is read-only afterwards, so lookups are lock-free.
type MessageRegistry struct {
	infos map[string]*MsgInfo
}

// NewMessageRegistry creates an empty registry.
func NewMessageRegistry() *MessageRegistry {
	return &MessageRegistry{infos: make(map[string]*MsgInfo)}
}

// Register adds a message description. Re-registering the same id keeps the
// previously installed handler unless the new info carries one.
func (m *MessageRegistry) Register(mi *MsgInfo) {
	if mi == nil || mi.MsgID == "" || mi.New == nil {
		return
	}
	if prev, ok := m.infos[mi.MsgID]; ok && mi.Handler == nil {
		mi.Handler = prev.Handler
	}
	m.infos[mi.MsgID] = mi
}

// RegisterHandler installs the handler for an already registered message id.
func (m *MessageRegistry) RegisterHandler(msgID string, h HandlerFunc) error {
	mi, ok := m.infos[msgID]
	if !ok {
		return errors.New("msgid not registered: " + msgID)
	}
	mi.Handler = h
	return nil
}

// GetInfo looks up protocol info by message id.
func (m *MessageRegistry) GetInfo(msgID string) (*MsgInfo, bool) {
	mi, ok := m.infos[msgID]
	return mi, ok
}

// CreateMsg implements MsgCreator.
func (m *MessageRegistry) CreateMsg(msgID string) (any, error) {
	mi, ok := m.infos[msgID]
	if !ok {
		return nil, errors.New("msgid not found: " + msgID)
	}
	return mi.New(), nil
}

// ContainsMsg implements MsgCreator.
func (m *MessageRegistry) ContainsMsg(msgID string) bool {
	_, ok := m.infos[msgID]
	return ok
}
