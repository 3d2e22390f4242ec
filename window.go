package h2egress

import (
	"context"
	"sync"
)

// maxWindowSize is the largest value a flow-control window may reach,
// per https://httpwg.org/specs/rfc7540.html#WindowSize.
const maxWindowSize = 1<<31 - 1

// FlowWindow is a single HTTP/2 flow-control credit counter: either
// the connection window or one stream's window. It is owned and
// exposed by the ingress side (one per connection, one per stream)
// and only ever consumed here — reserved from, waited on, and
// aborted — per spec §4/§5.
//
// A FlowWindow must not be copied after first use.
type FlowWindow struct {
	mu        sync.Mutex
	available int64 // signed: a SETTINGS-driven decrease can make this negative
	aborted   bool
	waiters   []chan struct{}
}

// NewFlowWindow returns a FlowWindow seeded with initial bytes of credit.
func NewFlowWindow(initial int32) *FlowWindow {
	return &FlowWindow{available: int64(initial)}
}

// TryAdd adds delta bytes of credit (delta may be negative, for a
// SETTINGS_INITIAL_WINDOW_SIZE decrease already applied upstream). It
// reports false, without mutating the window, if doing so would push
// the window past 2^31-1; the ingress side escalates that to a
// connection-level protocol error per spec §7.
func (w *FlowWindow) TryAdd(delta int32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.available + int64(delta)
	if next > maxWindowSize {
		return false
	}
	w.available = next
	w.wakeOneLocked()
	return true
}

// Abort marks the window as aborted and releases every pending waiter.
// Further waits return immediately as aborted.
func (w *FlowWindow) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return
	}
	w.aborted = true
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

// Snapshot returns the current available credit without mutating it.
func (w *FlowWindow) Snapshot() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

func (w *FlowWindow) wakeOneLocked() {
	if len(w.waiters) == 0 {
		return
	}
	ch := w.waiters[0]
	w.waiters = w.waiters[1:]
	close(ch)
}

// reserveBoth atomically takes min(want, conn.available, stream.available)
// bytes of credit from both windows (or zero bytes from either, if one
// is already exhausted) and returns the amount actually reserved. Lock
// order is always conn before stream, so concurrent DATA writers on
// different streams never deadlock against each other.
func reserveBoth(conn, stream *FlowWindow, want int64) int64 {
	conn.mu.Lock()
	stream.mu.Lock()
	defer stream.mu.Unlock()
	defer conn.mu.Unlock()

	n := want
	if conn.available < n {
		n = conn.available
	}
	if stream.available < n {
		n = stream.available
	}
	if n <= 0 {
		return 0
	}
	conn.available -= n
	stream.available -= n
	return n
}

// bothAborted reports whether either window has been aborted.
func bothAborted(conn, stream *FlowWindow) bool {
	conn.mu.Lock()
	ca := conn.aborted
	conn.mu.Unlock()
	stream.mu.Lock()
	sa := stream.aborted
	stream.mu.Unlock()
	return ca || sa
}

// subscribe registers a one-shot waiter on w and returns it along with
// the window's current abort state. If w already has credit or is
// already aborted, ch is nil and the caller must not wait on it.
func (w *FlowWindow) subscribe() (ch chan struct{}, ready, aborted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted {
		return nil, false, true
	}
	if w.available > 0 {
		return nil, true, false
	}
	ch = make(chan struct{})
	w.waiters = append(w.waiters, ch)
	return ch, false, false
}

// waitForEitherCredit blocks until one of the exhausted windows is
// credited, one of them is aborted, or ctx is done. It reports true only when an
// actual FlowWindow.Abort fired.
//
// Only a window that is currently exhausted is subscribed to: a window
// that already has spare credit is not the reason the caller is
// blocked, and treating its "has credit" state as a wake signal would
// spin the caller in a tight reserveBoth/wait loop against the other,
// genuinely exhausted window.
func waitForEitherCredit(ctx context.Context, conn, stream *FlowWindow) (aborted bool) {
	var connCh, streamCh chan struct{}

	if conn.Snapshot() <= 0 {
		ch, ready, ab := conn.subscribe()
		if ab {
			return true
		}
		if !ready {
			connCh = ch
		}
	}
	if stream.Snapshot() <= 0 {
		ch, ready, ab := stream.subscribe()
		if ab {
			return true
		}
		if !ready {
			streamCh = ch
		}
	}
	if connCh == nil && streamCh == nil {
		return false
	}

	select {
	case <-connCh:
		return conn.wasAborted()
	case <-streamCh:
		return stream.wasAborted()
	case <-ctx.Done():
		return false
	}
}

func (w *FlowWindow) wasAborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}
