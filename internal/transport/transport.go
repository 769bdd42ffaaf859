// Package transport defines the boundary between the relay core and the
// session transport that carries objects in and out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// Peer describes the remote end of an inbound session.
type Peer struct {
	Identity string // calling identity presented during the handshake
	Address  string // remote network address
}

// Inbound is one object delivered by a listener.
type Inbound struct {
	Object *proto.Object
	Peer   Peer
}

// Handler is invoked once per received object, possibly concurrently from
// many sessions. The returned status is sent back to the peer.
type Handler func(ctx context.Context, in *Inbound) proto.Status

// Events are optional lifecycle hooks. They are called synchronously from the
// session goroutine and must not block.
type Events struct {
	OnRequested func(peer Peer)
	OnRejected  func(peer Peer, reason string)
	OnAccepted  func(peer Peer)
}

// Requested fires OnRequested if set.
func (e Events) Requested(p Peer) {
	if e.OnRequested != nil {
		e.OnRequested(p)
	}
}

// Rejected fires OnRejected if set.
func (e Events) Rejected(p Peer, reason string) {
	if e.OnRejected != nil {
		e.OnRejected(p, reason)
	}
}

// Accepted fires OnAccepted if set.
func (e Events) Accepted(p Peer) {
	if e.OnAccepted != nil {
		e.OnAccepted(p)
	}
}

// Listener accepts inbound sessions and hands each received object to a Handler.
type Listener interface {
	// Start binds the listening socket and begins serving on its own
	// goroutine. It returns once the socket is bound or binding failed.
	Start(ctx context.Context, h Handler) error

	// Addr returns the bound address, or nil before Start.
	Addr() net.Addr

	// Shutdown stops accepting sessions and waits for in-flight objects
	// until ctx expires.
	Shutdown(ctx context.Context) error
}

// DialOptions identifies the upstream peer to open a session with.
type DialOptions struct {
	Host           string
	Port           int
	RemoteIdentity string // identity the upstream answers to
	LocalIdentity  string // identity presented as the caller
}

// Addr returns host:port.
func (o DialOptions) Addr() string {
	return net.JoinHostPort(o.Host, fmt.Sprint(o.Port))
}

// Dialer opens outbound sessions.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Session, error)
}

// Session is an established outbound session. Release must be called exactly
// once whatever the outcome of Send.
type Session interface {
	Send(ctx context.Context, obj *proto.Object) (proto.Status, error)
	Echo(ctx context.Context) error
	Release() error
}

// Error kinds.
var (
	ErrSessionRefused = errors.New("session refused")
	ErrTimeout        = errors.New("timeout")
	ErrProtocolReject = errors.New("protocol reject")
	ErrUnexpected     = errors.New("unexpected transport error")
)

// Error is a transport failure classified by kind.
type Error struct {
	Kind error
	Op   string // "dial", "send", "echo", "release"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// NewError builds a classified transport error.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps a raw error onto a transport kind. Already classified errors
// are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(ErrTimeout, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NewError(ErrSessionRefused, op, err)
	}
	return NewError(ErrUnexpected, op, err)
}
