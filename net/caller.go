package net

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/nexus/utils"
)

// ErrRequestTimeout completes a pending call whose deadline passed before a
// response arrived.
var ErrRequestTimeout = errors.New("request timed out")

// ResponseFunc is the caller-supplied continuation completing an asynchronous
// request. Exactly one of pkg/err is set. It is invoked from the transport
// receive path or the sweep loop, never from Request itself.
type ResponseFunc func(pkg *RecvPkg, err error)

type pendingCall struct {
	msgID    string
	cb       ResponseFunc
	deadline time.Time
}

// Caller correlates asynchronous request/response exchanges over one logical
// connection. Requests are tagged with a sequence id; responses complete the
// matching continuation. No operation blocks on network I/O: Request enqueues
// and returns, and the state machine above advances only in callbacks.
//
// Expired calls are collected by a recurring sweep rather than one timer per
// request.
type Caller struct {
	seq utils.SeqSequence64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	clk     clock.Clock
	timeout time.Duration
	send    SendBackFunc
}

// NewCaller creates a caller sending through send, with the given default
// per-request timeout.
func NewCaller(send SendBackFunc, clk clock.Clock, timeout time.Duration) *Caller {
	if clk == nil {
		clk = clock.New()
	}
	return &Caller{
		pending: make(map[uint64]*pendingCall),
		clk:     clk,
		timeout: timeout,
		send:    send,
	}
}

// Request sends a request packet and registers cb for its response. The send
// error, if any, is returned synchronously and cb will not be invoked.
func (c *Caller) Request(msgID string, body any, cb ResponseFunc) error {
	seq := c.seq.Next()
	c.mu.Lock()
	c.pending[seq] = &pendingCall{
		msgID:    msgID,
		cb:       cb,
		deadline: c.clk.Now().Add(c.timeout),
	}
	c.mu.Unlock()

	pkg := &SendPkg{
		Head: &PacketHead{MsgID: msgID, SeqID: seq},
		Body: body,
	}
	if err := c.send(pkg); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Notify sends a fire-and-forget packet through the same channel.
func (c *Caller) Notify(msgID string, body any) error {
	return c.send(NewNtfPkg(msgID, body))
}

// HandleResponse completes the pending call matching the packet's sequence.
// Returns false when no call is pending, e.g. after a timeout already
// completed it.
func (c *Caller) HandleResponse(pkg *RecvPkg) bool {
	seq := pkg.Head.GetSeqID()

	c.mu.Lock()
	call, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	call.cb(pkg, nil)
	return true
}

// SweepExpired completes every pending call whose deadline passed with
// ErrRequestTimeout and returns how many were expired.
func (c *Caller) SweepExpired() int {
	now := c.clk.Now()

	c.mu.Lock()
	var expired []*pendingCall
	for seq, call := range c.pending {
		if now.After(call.deadline) {
			expired = append(expired, call)
			delete(c.pending, seq)
		}
	}
	c.mu.Unlock()

	for _, call := range expired {
		call.cb(nil, ErrRequestTimeout)
	}
	return len(expired)
}

// PendingCount returns the number of in-flight requests.
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run sweeps expired calls every interval until stop is closed.
func (c *Caller) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := c.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpired()
		case <-stop:
			return
		}
	}
}
