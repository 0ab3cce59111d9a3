package roomhost

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
)

// uplink captures requests the validator forwards to the master and lets the
// test play the master's side.
type uplink struct {
	mu   sync.Mutex
	sent []*net.SendPkg
}

func (u *uplink) send(pkg *net.SendPkg) error {
	u.mu.Lock()
	u.sent = append(u.sent, pkg)
	u.mu.Unlock()
	return nil
}

func (u *uplink) last() *net.SendPkg {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sent) == 0 {
		return nil
	}
	return u.sent[len(u.sent)-1]
}

type validatorRig struct {
	v      *AccessValidator
	caller *net.Caller
	clk    *clock.Mock
	up     *uplink
	reg    *net.MessageRegistry
}

func newValidatorRig(t *testing.T) *validatorRig {
	t.Helper()
	clk := clock.NewMock()
	up := &uplink{}
	caller := net.NewCaller(up.send, clk, 5*time.Second)

	v, err := NewAccessValidator(&ValidatorConfig{JoinGraceSec: 10, SweepIntervalMS: 100}, caller, clk)
	require.NoError(t, err)
	v.SetRoomID(7)

	reg := net.NewMessageRegistry()
	RegisterClientMessages(reg, v)
	return &validatorRig{v: v, caller: caller, clk: clk, up: up, reg: reg}
}

type clientConn struct {
	mu       sync.Mutex
	received []*net.SendPkg
	closed   string
}

func (c *clientConn) send(pkg *net.SendPkg) error {
	c.mu.Lock()
	c.received = append(c.received, pkg)
	c.mu.Unlock()
	return nil
}

func (c *clientConn) close(reason string) {
	c.mu.Lock()
	c.closed = reason
	c.mu.Unlock()
}

func (c *clientConn) lastCode() (net.RetCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) == 0 {
		return 0, false
	}
	return c.received[len(c.received)-1].Head.RetCode, true
}

// connect registers a peer with the validator and returns its fake conn.
func (r *validatorRig) connect(peerID uint64) (*clientConn, *net.Peer) {
	conn := &clientConn{}
	peer := net.NewPeer(peerID, conn.send, conn.close)
	r.v.OnPeerConnected(peer)
	return conn, peer
}

// provideToken drives the client handshake message through the handler.
func (r *validatorRig) provideToken(t *testing.T, conn *clientConn, peerID uint64, token string) {
	t.Helper()
	info, _ := r.reg.GetInfo(MsgProvideAccess)
	dd := &net.DispatcherDelivery{
		TransportDelivery: &net.TransportDelivery{
			TransSendBack: conn.send,
			Pkg: net.NewRecvPkgWithBody(&net.PacketHead{MsgID: MsgProvideAccess, SeqID: 3},
				&ProvideAccessReq{Token: token}),
			PeerID:     peerID,
			Disconnect: conn.close,
		},
		Info: info,
	}
	require.NoError(t, info.Handler(dd))
}

// masterReplies completes the forwarded validation with the given outcome.
func (r *validatorRig) masterReplies(t *testing.T, code net.RetCode, body *room.ValidateAccessRes) {
	t.Helper()
	forwarded := r.up.last()
	require.NotNil(t, forwarded, "nothing was forwarded to the master")
	require.Equal(t, room.MsgValidateAccess, forwarded.Head.MsgID)

	var res *net.RecvPkg
	if body != nil {
		res = net.NewRecvPkgWithBody(&net.PacketHead{
			MsgID: room.MsgValidateAccessRes, SeqID: forwarded.Head.SeqID, RetCode: code,
		}, body)
	} else {
		res = net.NewRecvPkgWithBody(&net.PacketHead{
			MsgID: room.MsgValidateAccessRes, SeqID: forwarded.Head.SeqID, RetCode: code,
		}, nil)
	}
	require.True(t, r.caller.HandleResponse(res))
}

type joinRecorder struct {
	mu     sync.Mutex
	joined []uint64
	left   []uint64
}

func (j *joinRecorder) OnPlayerJoined(_ *net.Peer, ext *PlayerExtension) {
	j.mu.Lock()
	j.joined = append(j.joined, ext.MasterPeerID)
	j.mu.Unlock()
}

func (j *joinRecorder) OnPlayerLeft(_ *net.Peer, ext *PlayerExtension) {
	j.mu.Lock()
	j.left = append(j.left, ext.MasterPeerID)
	j.mu.Unlock()
}

func TestValidatorAdmitsValidToken(t *testing.T) {
	r := newValidatorRig(t)
	rec := &joinRecorder{}
	r.v.AddObserver(rec)

	conn, peer := r.connect(1)
	r.provideToken(t, conn, 1, "tok-1")
	r.masterReplies(t, net.RetOK, &room.ValidateAccessRes{
		PeerID: 42, Username: "alice", Properties: map[string]string{"rank": "gold"},
	})

	code, ok := conn.lastCode()
	require.True(t, ok)
	assert.Equal(t, net.RetOK, code)
	assert.Empty(t, conn.closed)

	ext, ok := PlayerOf(peer)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ext.MasterPeerID)
	assert.Equal(t, "alice", ext.Username)

	assert.Equal(t, 0, r.v.PendingCount())
	assert.Equal(t, 1, r.v.JoinedCount())
	assert.Equal(t, []uint64{42}, rec.joined)
}

func TestValidatorRefusesInvalidToken(t *testing.T) {
	r := newValidatorRig(t)
	conn, _ := r.connect(1)

	r.provideToken(t, conn, 1, "forged")
	r.masterReplies(t, net.RetInvalidToken, nil)

	code, _ := conn.lastCode()
	assert.Equal(t, net.RetInvalidToken, code)
	assert.Equal(t, "invalid access token", conn.closed)
	assert.Equal(t, 0, r.v.JoinedCount())
}

func TestValidatorUplinkTimeout(t *testing.T) {
	r := newValidatorRig(t)
	conn, _ := r.connect(1)
	r.provideToken(t, conn, 1, "tok")

	// The master never answers; the caller sweep expires the request.
	r.clk.Add(6 * time.Second)
	r.caller.SweepExpired()

	code, _ := conn.lastCode()
	assert.Equal(t, net.RetTimeout, code)
	assert.Equal(t, "validation timed out", conn.closed)
}

func TestValidatorGraceExpiry(t *testing.T) {
	r := newValidatorRig(t)
	conn, _ := r.connect(1)

	r.clk.Add(5 * time.Second)
	assert.Equal(t, 0, r.v.SweepExpired())

	r.clk.Add(6 * time.Second)
	assert.Equal(t, 1, r.v.SweepExpired())
	assert.Equal(t, "access timeout", conn.closed)
	assert.Equal(t, 0, r.v.PendingCount())
}

func TestValidatorGraceNotAppliedMidValidation(t *testing.T) {
	r := newValidatorRig(t)
	conn, _ := r.connect(1)
	r.provideToken(t, conn, 1, "tok")

	// Peer presented its token in time; the grace sweep leaves it alone
	// even while the uplink exchange is still in flight.
	r.clk.Add(11 * time.Second)
	assert.Equal(t, 0, r.v.SweepExpired())
	assert.Empty(t, conn.closed)
}

func TestValidatorTokenWithoutConnect(t *testing.T) {
	r := newValidatorRig(t)
	conn := &clientConn{}

	// Peer 9 never went through OnPeerConnected.
	r.provideToken(t, conn, 9, "tok")
	code, _ := conn.lastCode()
	assert.Equal(t, net.RetInvalidToken, code)
	assert.Equal(t, "no pending access slot", conn.closed)
}

func TestValidatorDisconnectReportsLeave(t *testing.T) {
	r := newValidatorRig(t)
	rec := &joinRecorder{}
	r.v.AddObserver(rec)

	var leftUpstream []uint64
	r.v.NotifyPlayerLeft = func(masterPeerID uint64) {
		leftUpstream = append(leftUpstream, masterPeerID)
	}

	conn, _ := r.connect(1)
	r.provideToken(t, conn, 1, "tok")
	r.masterReplies(t, net.RetOK, &room.ValidateAccessRes{PeerID: 42})

	r.v.OnPeerDisconnected(1)
	assert.Equal(t, 0, r.v.JoinedCount())
	assert.Equal(t, []uint64{42}, rec.left)
	assert.Equal(t, []uint64{42}, leftUpstream)

	// Dropping an unknown or pending-only peer reports nothing.
	r.v.OnPeerDisconnected(99)
	assert.Len(t, rec.left, 1)
}
