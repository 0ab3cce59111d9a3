package net

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter throttles inbound packet processing with a token
// bucket. The limiter pointer is swapped atomically so configuration can be
// reloaded at runtime without a lock on the hot path.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a token-bucket limiter allowing limit packets
// per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	l := &DispatcherRecvLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Take blocks until a token is available.
func (l *DispatcherRecvLimiter) Take() error {
	return l.limiter.Load().Wait(context.Background())
}

// Reload replaces the limiter configuration.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if err := l.Take(); err != nil {
		return err
	}
	return f(dd)
}

// FunnelRecvLimiter is the leaky-bucket alternative, useful where a smooth
// packet cadence matters more than burst tolerance (e.g. spawner assignment
// traffic).
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelRecvLimiter creates a leaky-bucket limiter allowing limit packets
// per second.
func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	limiter := ratelimit.New(limit)
	l := &FunnelRecvLimiter{}
	l.limiter.Store(&limiter)
	return l
}

// Take blocks until the next packet may pass.
func (l *FunnelRecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload replaces the limiter configuration.
func (l *FunnelRecvLimiter) Reload(limit int) {
	limiter := ratelimit.New(limit)
	l.limiter.Store(&limiter)
}

// Filter adapts the funnel limiter into a dispatcher filter.
func (l *FunnelRecvLimiter) Filter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	l.Take()
	return f(dd)
}
