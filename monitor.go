// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package pipereg

import "sync"

// A DeathSource is the death-notification facility supplied by the RPC
// runtime for one remote process. ArmMonitor registers cb to be invoked
// exactly once, when the monitored process terminates, and returns a disarm
// function that detaches the callback. Arming fails (ok == false) if the
// process has already terminated or cannot be monitored.
//
// Implementations must tolerate disarm racing the notification: after disarm
// returns, cb will not be invoked.
type DeathSource interface {
	ArmMonitor(cb func()) (disarm func(), ok bool)
}

// A Monitor is a one-shot death-notification adapter. It is created armed
// with a callback; Notify invokes the callback the first time it is called
// and never again, and Disarm detaches the callback without invoking it.
// A monitor is never re-armed: a fresh registration or lease creates a fresh
// monitor.
//
// The armed/notified transition is guarded by a lock, so a notification
// arriving after teardown is a no-op rather than a call into freed state.
type Monitor struct {
	μ  sync.Mutex
	cb func()
}

// NewMonitor returns a monitor armed with cb. It panics if cb == nil.
func NewMonitor(cb func()) *Monitor {
	if cb == nil {
		panic("monitor callback is nil")
	}
	return &Monitor{cb: cb}
}

// Notify delivers the death notification. Only the first call has any
// effect; later calls, and calls after Disarm, do nothing. The callback runs
// without the monitor lock held.
func (m *Monitor) Notify() {
	m.μ.Lock()
	cb := m.cb
	m.cb = nil
	m.μ.Unlock()
	if cb != nil {
		cb()
	}
}

// Disarm detaches the callback without invoking it. It is safe to call
// concurrently with Notify and after the monitor has fired.
func (m *Monitor) Disarm() {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.cb = nil
}

// Armed reports whether the monitor still has a callback attached, that is,
// it has neither fired nor been disarmed.
func (m *Monitor) Armed() bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.cb != nil
}
