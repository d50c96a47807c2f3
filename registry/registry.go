// Package registry maintains the live mapping from user id to that user's
// single outbound channel. It is the only permitted access path to connection
// state: no other component holds a channel directly.
//
// Lock order: when registry and membership locks are both needed, the registry
// lock is always taken first. By construction the registry never calls into
// the membership index, so its lock is never held while acquiring another.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/bridi/sealchat/filter"
	"github.com/bridi/sealchat/globals"
)

// Result of a delivery attempt. NotConnected is not an error: it is the normal
// signal that the recipient must rely on persisted history instead.
type Result int

const (
	Delivered Result = iota
	NotConnected
)

// Outbound is the write side of one connection. C is drained by that
// connection's write loop and closed by the registry on replacement or
// unregistration.
type Outbound struct {
	C chan []byte

	// optional delivery filter, evaluated per frame; nil delivers everything
	filter func(*filter.Env) bool
}

// Registry is the single source of truth for "is this user currently
// reachable". At most one live connection exists per user id.
type Registry struct {
	mu        sync.RWMutex
	conns     map[int64]*Outbound
	queueSize int
	dropped   uint64
}

func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		conns:     make(map[int64]*Outbound),
		queueSize: queueSize,
	}
}

// Register creates and installs the outbound channel for a user, replacing any
// existing entry. The previous channel is closed, which makes the old
// connection's write loop exit; the old connection becomes unreachable via
// SendTo immediately. deliveryFilter may be nil.
func (r *Registry) Register(userID int64, deliveryFilter func(*filter.Env) bool) *Outbound {
	out := &Outbound{
		C:      make(chan []byte, r.queueSize),
		filter: deliveryFilter,
	}
	r.mu.Lock()
	if prev, ok := r.conns[userID]; ok {
		close(prev.C)
	}
	r.conns[userID] = out
	r.mu.Unlock()
	return out
}

// Unregister removes the entry for a user, but only if out is still the
// registered channel: a connection that was replaced must not tear down its
// replacement. The channel is closed so the write loop exits. Reports whether
// the entry was removed, so callers know if the user is actually gone or was
// superseded by a newer connection that owns the shared per-user state now.
func (r *Registry) Unregister(userID int64, out *Outbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[userID]; ok && current == out {
		delete(r.conns, userID)
		close(current.C)
		return true
	}
	return false
}

// SendTo attempts a non-blocking push of a frame to a user's connection. env
// carries the delivery-filter context and may be nil for frames that bypass
// filtering (info frames). A full buffer never blocks the caller: the frame is
// counted as dropped and the recipient falls back to persisted history.
func (r *Registry) SendTo(userID int64, frame []byte, env *filter.Env) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.conns[userID]
	if !ok {
		return NotConnected
	}
	if out.filter != nil && env != nil && !out.filter(env) {
		// filtered out by the recipient, still counts as reachable
		return Delivered
	}
	select {
	case out.C <- frame:
	default:
		atomic.AddUint64(&r.dropped, 1)
		globals.AppLogger.Warn("send queue full, dropping frame", "user_id", userID)
	}
	return Delivered
}

// Broadcast pushes a frame to every live connection, bypassing filters.
func (r *Registry) Broadcast(frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for userID, out := range r.conns {
		select {
		case out.C <- frame:
		default:
			atomic.AddUint64(&r.dropped, 1)
			globals.AppLogger.Warn("send queue full, dropping frame", "user_id", userID)
		}
	}
}

// Connected reports whether a user currently has a live connection.
func (r *Registry) Connected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Dropped returns how many frames were discarded due to full send queues.
func (r *Registry) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}
