package service

import (
	"context"
	"net"
	"reflect"
)

// ConnInfo carries immutable, connection-scoped facts shared by every
// request processed on that connection.
type ConnInfo struct {
	ID         int64
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// ClientIP returns the bare IP of the peer, or "" if unknown.
func (ci ConnInfo) ClientIP() string {
	if ci.RemoteAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(ci.RemoteAddr.String())
	if err != nil {
		return ci.RemoteAddr.String()
	}
	return host
}

// Context is the per-connection state container threaded through the
// pipeline. It is owned by exactly one goroutine at a time: stages hand it
// onward by passing the pointer, never by sharing it for concurrent
// mutation, so no locking is performed on the extension store.
type Context struct {
	ctx  context.Context
	conn ConnInfo
	ext  *Extensions
}

// NewContext creates a Context observing the given cancellation context.
func NewContext(ctx context.Context, conn ConnInfo) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{
		ctx:  ctx,
		conn: conn,
		ext:  NewExtensions(),
	}
}

// Context returns the cancellation context this Context observes.
func (cx *Context) Context() context.Context {
	return cx.ctx
}

// SetContext replaces the cancellation context, e.g. to scope a deadline
// onto one request without affecting the connection.
func (cx *Context) SetContext(ctx context.Context) {
	cx.ctx = ctx
}

// Done returns the cancellation channel of the observed context.
func (cx *Context) Done() <-chan struct{} {
	return cx.ctx.Done()
}

// Conn returns the shared connection-scoped facts.
func (cx *Context) Conn() ConnInfo {
	return cx.conn
}

// Extensions returns the mutable typed extension store.
func (cx *Context) Extensions() *Extensions {
	return cx.ext
}

// Extensions is a heterogeneous store keyed by type identity. At most one
// value per type is held. It is not safe for concurrent use; the Context
// single-owner discipline is the concurrency contract.
type Extensions struct {
	values map[reflect.Type]any
}

// NewExtensions returns an empty extension store.
func NewExtensions() *Extensions {
	return &Extensions{}
}

// Len returns the number of stored values.
func (e *Extensions) Len() int {
	return len(e.values)
}

// Clear removes all stored values.
func (e *Extensions) Clear() {
	e.values = nil
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Insert stores value under its type, replacing any existing value of the
// same type. The previous value is returned together with a flag telling
// whether one was present.
func Insert[T any](e *Extensions, value T) (previous T, replaced bool) {
	key := typeOf[T]()
	if e.values == nil {
		e.values = make(map[reflect.Type]any)
	}
	if old, ok := e.values[key]; ok {
		previous, replaced = old.(T), true
	}
	e.values[key] = value
	return previous, replaced
}

// Get returns the stored value of type T, if any.
func Get[T any](e *Extensions) (T, bool) {
	var zero T
	if e == nil || e.values == nil {
		return zero, false
	}
	v, ok := e.values[typeOf[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// Remove deletes the stored value of type T, returning it and whether one
// was present. Request-scoped values cached in a connection-scoped store
// must be removed between requests.
func Remove[T any](e *Extensions) (T, bool) {
	v, ok := Get[T](e)
	if ok {
		delete(e.values, typeOf[T]())
	}
	return v, ok
}

// GetOrTryInsertWith returns the stored value of type T, computing and
// inserting it first when absent. compute runs at most once per stored
// value; its error is surfaced without inserting anything.
func GetOrTryInsertWith[T any](e *Extensions, compute func() (T, error)) (T, error) {
	if v, ok := Get[T](e); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}
	Insert(e, v)
	return v, nil
}
