// Package buspeer implements the peer and monitor lifecycle described
// by the bus core: a regular peer's unique name, match-rule set,
// greeted latch, serialized outgoing writes, and one-shot cancellation
// signal, plus the transition into a read-only monitor.
package buspeer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
	"github.com/dbus2/busd-sub000/transport"
)

// Kind distinguishes the three peer variants of the bus's data model.
type Kind int32

const (
	// Regular is an ordinary authenticated client connection.
	Regular Kind = iota
	// Self is the bus's own synthetic peer, reachable at the reserved
	// unique name "org.freedesktop.DBus". It is greeted from birth.
	Self
	// Monitor is a peer that has called BecomeMonitor: read-only,
	// excluded from normal routing destinations, fed a copy of every
	// message its rules match.
	Monitor
)

// ErrAlreadyGreeted is returned by Hello when called a second time on
// the same peer.
var ErrAlreadyGreeted = errors.New("Hello already called")

// ErrIsMonitor is returned when a write is attempted against a peer
// that has already become a monitor.
var ErrIsMonitor = errors.New("peer is a read-only monitor")

// Credentials describes what is known about the process on the other
// end of a peer's connection, gathered once at accept time by the
// authentication handshake. Any field may be unset if the transport or
// platform can't supply it; GetConnectionCredentials reports an empty
// structure rather than an error in that case, per the bus object's
// contract.
type Credentials struct {
	HasUnixUser bool
	UnixUser    uint32

	HasProcessID bool
	ProcessID    uint32

	// SecurityLabel is the SELinux security context, if known.
	SecurityLabel []byte
}

// Peer owns one authenticated connection: its unique name, match-rule
// set, greeted latch, and cancellation signal. A Peer transitions from
// Regular or Self into Monitor exactly once, via BecomeMonitor; no
// further state transition is possible except Close.
type Peer struct {
	unique registry.UniqueName
	conn   transport.Transport
	creds  Credentials

	kind atomic.Int32

	writeMu sync.Mutex

	rulesMu sync.Mutex
	rules   *matchrule.Set

	greeted atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a Peer for an authenticated connection, in the Regular
// or Self state. Self peers are greeted from birth, per the data
// model.
func New(unique registry.UniqueName, conn transport.Transport, kind Kind) *Peer {
	p := &Peer{
		unique: unique,
		conn:   conn,
		rules:  matchrule.NewSet(),
		done:   make(chan struct{}),
	}
	p.kind.Store(int32(kind))
	if kind == Self {
		p.greeted.Store(true)
	}
	return p
}

// UniqueName returns the peer's immutable bus-assigned identity.
func (p *Peer) UniqueName() registry.UniqueName { return p.unique }

// SetCredentials records the credentials gathered for this peer during
// the authentication handshake. It is called at most once, before the
// peer is registered with the router.
func (p *Peer) SetCredentials(c Credentials) { p.creds = c }

// Credentials returns what is known about the process on the other end
// of this peer's connection.
func (p *Peer) Credentials() Credentials { return p.creds }

// Kind reports the peer's current lifecycle variant.
func (p *Peer) Kind() Kind { return Kind(p.kind.Load()) }

// Greeted reports whether Hello has already succeeded for this peer.
func (p *Peer) Greeted() bool { return p.greeted.Load() }

// Hello latches the peer into the greeted state. It returns
// ErrAlreadyGreeted if called a second time.
func (p *Peer) Hello() error {
	if !p.greeted.CompareAndSwap(false, true) {
		return ErrAlreadyGreeted
	}
	return nil
}

// AddMatchRule adds rule to the peer's match-rule set.
func (p *Peer) AddMatchRule(r *matchrule.Rule) {
	p.rulesMu.Lock()
	defer p.rulesMu.Unlock()
	p.rules.Add(r)
}

// RemoveMatchRule removes the first rule equal to r, returning
// matchrule.ErrNotFound if none matches.
func (p *Peer) RemoveMatchRule(r *matchrule.Rule) error {
	p.rulesMu.Lock()
	defer p.rulesMu.Unlock()
	return p.rules.Remove(r)
}

// Interested reports whether msg should be delivered to this peer as
// a secondary (match-rule driven) recipient: for a Monitor, an empty
// rule set means "everything"; for a Regular or Self peer, an empty
// rule set means "nothing" (a Regular peer only receives messages
// addressed to it directly, handled by the router, not through
// Interested).
func (p *Peer) Interested(msg *dbus.RawMessage, resolver matchrule.NameResolver) bool {
	p.rulesMu.Lock()
	rules := p.rules
	p.rulesMu.Unlock()

	if p.Kind() == Monitor && rules.IsEmpty() {
		return true
	}
	return rules.Matches(msg, resolver)
}

// BecomeMonitor transitions the peer into the terminal Monitor state,
// replacing its match-rule set with rules. It fails if the peer is
// already a monitor.
func (p *Peer) BecomeMonitor(rules *matchrule.Set) error {
	if !p.kind.CompareAndSwap(int32(Regular), int32(Monitor)) &&
		!p.kind.CompareAndSwap(int32(Self), int32(Monitor)) {
		return fmt.Errorf("peer %s is already a monitor", p.unique)
	}
	p.rulesMu.Lock()
	p.rules = rules
	p.rulesMu.Unlock()
	return nil
}

// Send writes a complete message to the peer's connection. Writes
// from concurrent callers are serialized, preserving per-peer message
// order. Sending to a Monitor is refused: monitors are not routing
// destinations; they receive copies through Forward instead.
func (p *Peer) Send(hdr *dbus.RawHeader, body []byte, files []*os.File) error {
	if p.Kind() == Monitor {
		return ErrIsMonitor
	}
	return p.Forward(hdr, body, files)
}

// Forward writes a complete message to the peer's connection without
// the monitor-refusal check, under the same write lock as Send. The
// router uses it to fan copies out to monitors (and to deliver a
// BecomeMonitor reply to a peer that has just transitioned).
func (p *Peer) Forward(hdr *dbus.RawHeader, body []byte, files []*os.File) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return dbus.WriteRawMessage(p.conn, hdr, body, files)
}

// Read reads the next complete message from the peer's connection.
// Only the per-peer serve task calls this; it is not safe to call
// concurrently with itself.
func (p *Peer) Read() (*dbus.RawMessage, error) {
	return dbus.ReadRawMessage(p.conn)
}

// Conn returns the peer's underlying transport, for credential
// queries (SO_PEERCRED) and close.
func (p *Peer) Conn() transport.Transport { return p.conn }

// Close tears down the peer's connection and fires its cancellation
// signal. It is safe to call more than once; only the first call has
// effect.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return p.conn.Close()
}

// Done returns a channel that is closed when the peer is dropped,
// i.e. listen_cancellation() in the data model.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Context returns a context that is canceled when the peer is
// dropped, for callers that prefer the context idiom over a raw
// channel (delayed-signal tasks, in particular).
func (p *Peer) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
