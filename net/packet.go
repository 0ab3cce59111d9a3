// Package net implements the wire layer of the nexus master server toolkit:
// packet framing, message registration, dispatching with a filter chain, and
// asynchronous request/response correlation over persistent connections.
package net

import (
	"github.com/lcx/nexus/codec"
)

// PacketHead carries the metadata of every packet exchanged between master,
// spawners, room processes and clients.
type PacketHead struct {
	// MsgID identifies the message type, e.g. "nexus.room.accessRequest".
	MsgID string `json:"msgId"`

	// SeqID correlates a response with its request. Zero for notifications.
	SeqID uint64 `json:"seqId,omitempty"`

	// RetCode carries the typed status on response packets.
	RetCode RetCode `json:"retCode,omitempty"`

	// SrcPeerID is the transport-assigned id of the sending peer, stamped
	// by the receiving transport, never trusted from the wire.
	SrcPeerID uint64 `json:"srcPeerId,omitempty"`
}

// GetMsgID returns the message id, nil-safe.
func (h *PacketHead) GetMsgID() string {
	if h != nil {
		return h.MsgID
	}
	return ""
}

// GetSeqID returns the correlation sequence, nil-safe.
func (h *PacketHead) GetSeqID() uint64 {
	if h != nil {
		return h.SeqID
	}
	return 0
}

// GetSrcPeerID returns the sending peer id, nil-safe.
func (h *PacketHead) GetSrcPeerID() uint64 {
	if h != nil {
		return h.SrcPeerID
	}
	return 0
}

// MsgCreator creates message body instances from message ids, enabling lazy
// decoding without coupling the transport to concrete packet types.
type MsgCreator interface {
	CreateMsg(msgID string) (any, error)
	ContainsMsg(msgID string) bool
}

// RecvPkg is a received packet. The body is decoded lazily so routing-only
// paths never pay for deserialization.
type RecvPkg struct {
	Head *PacketHead

	decoded   bool
	bodyData  []byte
	creator   MsgCreator
	body      any
	decodeErr error
}

// DecodeBody decodes the packet body exactly once and caches the result. A
// failed decode is cached as well, so every later call reports the same
// error instead of a nil body.
func (p *RecvPkg) DecodeBody() (any, error) {
	if p.decoded {
		return p.body, p.decodeErr
	}
	p.decoded = true
	defer func() { p.bodyData = nil }()

	body, err := p.creator.CreateMsg(p.Head.GetMsgID())
	if err == nil && len(p.bodyData) > 0 {
		err = codec.Decode(p.bodyData, body)
	}
	if err != nil {
		p.decodeErr = err
		return nil, err
	}
	p.body = body
	return p.body, nil
}

// NewRecvPkgWithBody builds a received packet around an already decoded body.
// Used by tests and in-process loopback delivery.
func NewRecvPkgWithBody(head *PacketHead, body any) *RecvPkg {
	return &RecvPkg{Head: head, decoded: true, body: body}
}

// NewRecvPkgWithBodyData builds a received packet around raw body bytes for
// lazy decoding.
func NewRecvPkgWithBodyData(head *PacketHead, bodyData []byte, creator MsgCreator) *RecvPkg {
	return &RecvPkg{Head: head, bodyData: bodyData, creator: creator}
}

// SendPkg is a packet ready to be sent.
type SendPkg struct {
	Head *PacketHead
	Body any
}

// NewNtfPkg builds a fire-and-forget notification packet.
func NewNtfPkg(msgID string, body any) *SendPkg {
	return &SendPkg{Head: &PacketHead{MsgID: msgID}, Body: body}
}

// NewResPkg builds a response to reqHead, echoing its correlation sequence.
func NewResPkg(reqHead *PacketHead, resMsgID string, retCode RetCode, body any) *SendPkg {
	return &SendPkg{
		Head: &PacketHead{
			MsgID:   resMsgID,
			SeqID:   reqHead.GetSeqID(),
			RetCode: retCode,
		},
		Body: body,
	}
}
