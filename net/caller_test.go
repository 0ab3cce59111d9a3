package net

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerCorrelatesResponse(t *testing.T) {
	var sent []*SendPkg
	c := NewCaller(func(pkg *SendPkg) error {
		sent = append(sent, pkg)
		return nil
	}, clock.NewMock(), 5*time.Second)

	var gotPkg *RecvPkg
	err := c.Request("nexus.spawn.request", &framePing{Token: "t"}, func(pkg *RecvPkg, err error) {
		require.NoError(t, err)
		gotPkg = pkg
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, 1, c.PendingCount())

	res := NewRecvPkgWithBody(&PacketHead{
		MsgID: "nexus.spawn.response",
		SeqID: sent[0].Head.SeqID,
	}, nil)
	assert.True(t, c.HandleResponse(res))
	assert.NotNil(t, gotPkg)
	assert.Equal(t, 0, c.PendingCount())

	// A second response for the same sequence finds nothing pending.
	assert.False(t, c.HandleResponse(res))
}

func TestCallerSendErrorUnregisters(t *testing.T) {
	sendErr := errors.New("connection closed")
	c := NewCaller(func(*SendPkg) error { return sendErr }, clock.NewMock(), time.Second)

	called := false
	err := c.Request("nexus.spawn.request", nil, func(*RecvPkg, error) { called = true })
	assert.ErrorIs(t, err, sendErr)
	assert.False(t, called)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCallerSweepExpired(t *testing.T) {
	mock := clock.NewMock()
	c := NewCaller(func(*SendPkg) error { return nil }, mock, 10*time.Second)

	var gotErr error
	require.NoError(t, c.Request("nexus.spawn.request", nil, func(_ *RecvPkg, err error) {
		gotErr = err
	}))

	mock.Add(5 * time.Second)
	assert.Equal(t, 0, c.SweepExpired())
	assert.NoError(t, gotErr)

	mock.Add(6 * time.Second)
	assert.Equal(t, 1, c.SweepExpired())
	assert.ErrorIs(t, gotErr, ErrRequestTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCallerRunSweepsOnTicker(t *testing.T) {
	mock := clock.NewMock()
	c := NewCaller(func(*SendPkg) error { return nil }, mock, time.Second)

	done := make(chan error, 1)
	require.NoError(t, c.Request("nexus.spawn.request", nil, func(_ *RecvPkg, err error) {
		done <- err
	}))

	stop := make(chan struct{})
	go c.Run(500*time.Millisecond, stop)

	// Let the sweep goroutine install its ticker before advancing.
	time.Sleep(10 * time.Millisecond)
	mock.Add(2 * time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never expired")
	}
	close(stop)
}

func TestCallerNotify(t *testing.T) {
	var sent *SendPkg
	c := NewCaller(func(pkg *SendPkg) error {
		sent = pkg
		return nil
	}, clock.NewMock(), time.Second)

	require.NoError(t, c.Notify("nexus.spawn.kill", &framePing{Token: "k"}))
	require.NotNil(t, sent)
	assert.Equal(t, "nexus.spawn.kill", sent.Head.MsgID)
	assert.Zero(t, sent.Head.SeqID)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCallerSequencesDistinct(t *testing.T) {
	var sent []*SendPkg
	c := NewCaller(func(pkg *SendPkg) error {
		sent = append(sent, pkg)
		return nil
	}, clock.NewMock(), time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Request("nexus.spawn.request", nil, func(*RecvPkg, error) {}))
	}

	seen := make(map[uint64]bool)
	for _, pkg := range sent {
		assert.NotZero(t, pkg.Head.SeqID)
		assert.False(t, seen[pkg.Head.SeqID])
		seen[pkg.Head.SeqID] = true
	}
	assert.Equal(t, 3, c.PendingCount())
}
