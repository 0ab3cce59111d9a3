package net

import (
	"errors"
)

// DispatcherFilterHandleFunc is the continuation a filter calls to pass the
// delivery further down the chain.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter is an interceptor in the dispatcher pipeline. A filter may
// short-circuit by not calling the continuation.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain processes a delivery through a sequence of filters.
type DispatcherFilterChain []DispatcherFilter

// Handle runs the delivery through every filter and finally f.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// msgFilter short-circuits messages listed in the filter configuration.
// Filtered requests are answered with an empty OK response so callers do not
// hang on their correlation sequence.
func (d *Dispatcher) msgFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if dd.Pkg.Head == nil {
		return errors.New("delivery head is nil")
	}

	d.lock.RLock()
	_, filtered := d.msgFilterMap[dd.Pkg.Head.GetMsgID()]
	d.lock.RUnlock()
	if !filtered {
		return f(dd)
	}

	if dd.Info == nil || !dd.Info.IsReq() {
		return nil
	}
	if dd.TransSendBack != nil {
		return dd.TransSendBack(NewResPkg(dd.Pkg.Head, dd.Info.ResMsgID, RetOK, nil))
	}
	return nil
}
