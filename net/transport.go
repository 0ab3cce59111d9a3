package net

// Transport is implemented by every network transport component. It provides
// lifecycle management for starting, stopping receive, and full shutdown.
type Transport interface {
	// Start initializes the transport with the provided options and begins
	// accepting traffic.
	Start(TransportOption) error

	// StopRecv stops accepting new connections and messages while letting
	// in-flight exchanges complete.
	StopRecv() error

	// Stop fully shuts down the transport, closing all connections.
	Stop() error
}

// TransportOption carries the collaborators a transport needs at start time.
type TransportOption struct {
	// Creator builds message bodies for lazy decoding.
	Creator MsgCreator
	// Handler receives every decoded delivery.
	Handler DispatcherReceiver
}

// SendBackFunc sends a response or push packet over the originating channel.
type SendBackFunc func(pkg *SendPkg) error

// TransportDelivery hands a received packet plus its reply channel from a
// transport to the dispatcher.
type TransportDelivery struct {
	// TransSendBack replies over the same connection the packet arrived on.
	TransSendBack SendBackFunc

	// Pkg is the received packet.
	Pkg *RecvPkg

	// PeerID is the transport-assigned connection identity of the sender.
	PeerID uint64

	// Disconnect drops the sending connection with a reason string. May be
	// nil for loopback deliveries.
	Disconnect func(reason string)
}

// DispatcherReceiver is implemented by dispatchers to receive deliveries from
// transports.
type DispatcherReceiver interface {
	OnRecvTransportPkg(td *TransportDelivery) error
}

// PeerSender pushes packets to a specific connected peer, independent of any
// in-flight exchange. Implemented by server-side transports.
type PeerSender interface {
	SendTo(peerID uint64, pkg *SendPkg) error
}
