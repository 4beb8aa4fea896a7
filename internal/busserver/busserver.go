// Package busserver ties together a bound listener, the bus's GUID
// and auth mechanism, the router, and the synthetic self-peer into the
// runnable broker described by spec.md §2/§9.
//
// Grounded on original_source/src/bus/mod.rs's Bus struct (for_address,
// accept_next, cleanup), generalized to Go's goroutine/errgroup idiom
// in place of tokio tasks, per SPEC_FULL.md §5.
package busserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dbus2/busd-sub000/internal/busaddr"
	"github.com/dbus2/busd-sub000/internal/busauth"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/config"
	"github.com/dbus2/busd-sub000/internal/fdo"
	"github.com/dbus2/busd-sub000/internal/registry"
	"github.com/dbus2/busd-sub000/internal/router"
	"github.com/dbus2/busd-sub000/transport"
)

// Bus is a bound broker instance: a listener, its own self-peer, and
// the router every accepted connection is registered with.
type Bus struct {
	listener  *busaddr.Listener
	address   busaddr.Address
	guid      string
	mechanism busauth.Mechanism

	peers  *router.Peers
	nextID atomic.Uint64
	policy config.Policy

	log *zap.SugaredLogger
}

// New parses and binds cfg.Listen, amends it with a generated GUID if
// it didn't already name one, and wires up the bus's own self-peer.
// It does not yet accept client connections; call Run for that.
func New(cfg config.Config, log *zap.SugaredLogger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	addr, err := busaddr.Parse(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("busserver: %w", err)
	}

	guid, hadGUID := addr.GUID()
	if !hadGUID {
		guid = strings.ReplaceAll(uuid.New().String(), "-", "")
		addr = addr.WithGUID(guid)
	}

	mechanism := cfg.AuthMechanism
	if mechanism == "" {
		mechanism = busauth.DefaultForTransport(addr.Transport, false)
	}

	listener, err := busaddr.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("busserver: binding %q: %w", addr.String(), err)
	}

	b := &Bus{
		listener:  listener,
		address:   addr,
		guid:      guid,
		mechanism: mechanism,
		peers:     router.New(log),
		policy:    cfg.Policy,
		log:       log,
	}

	if err := b.serveSelf(); err != nil {
		listener.Close()
		return nil, err
	}

	log.Infow("bus bound", "address", b.Address(), "transport", addr.Transport, "auth", mechanism)
	return b, nil
}

// Address returns the bus's advertised address, including its GUID.
func (b *Bus) Address() string { return b.address.String() }

// GUID returns the bus's stable per-instance server identifier.
func (b *Bus) GUID() string { return b.guid }

// Peers returns the bus-wide router, for tests that want to drive
// traffic without a real socket.
func (b *Bus) Peers() *router.Peers { return b.peers }

// EvaluatePolicy is the interface point a policy-enforcing caller
// would hook into; it defers to the loaded config.Policy, which always
// allows (see config.Policy.Evaluate).
func (b *Bus) EvaluatePolicy(ctx config.EvalContext) config.Decision {
	return b.policy.Evaluate(ctx)
}

// serveSelf wires the synthetic org.freedesktop.DBus self-peer: one
// half of an in-memory pipe is registered in the router exactly like
// any other peer, the other half is driven by internal/fdo.Bus. Per
// spec.md §9, routing needs no special case for this; it falls out of
// the self-peer being just another router.Peers entry.
func (b *Bus) serveSelf() error {
	routerSide, fdoSide := transport.Pipe()
	self := buspeer.New(registry.BusUniqueName, routerSide, buspeer.Self)
	if err := b.peers.Add(self); err != nil {
		return err
	}
	go b.peers.Serve(self)

	bus := fdo.NewBus(b.peers, b.guid, fdoSide, b.log)
	go bus.Serve(context.Background())
	return nil
}

// Run accepts connections until ctx is canceled or the listener fails
// unrecoverably. Each accepted connection is authenticated and served
// in its own detached goroutine — not joined by Run — matching
// original_source/src/bus/mod.rs's accept_next, which spawns a
// detached tokio task per connection rather than tracking it: per
// spec.md §5, a shutdown signal cancels the accept loop only, and
// in-flight peer tasks are left to finish their current message and
// exit on their own.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		b.listener.Close()
		return nil
	})

	g.Go(func() error {
		for {
			conn, err := b.listener.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("busserver: accept: %w", err)
			}
			go b.handleConn(conn)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the listener (and, for a filesystem Unix socket,
// unlinks its path), for callers that shut down without ever calling
// Run, or that want to guarantee cleanup on an error path.
func (b *Bus) Close() error {
	return b.listener.Close()
}

// handleConn authenticates one accepted connection, assigns it the
// next unique name, and hands it to the router to serve until
// disconnect.
func (b *Bus) handleConn(conn net.Conn) {
	creds, err := busauth.Negotiate(conn, b.mechanism, b.guid)
	if err != nil {
		b.log.Debugw("authentication failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	var t transport.Transport
	switch c := conn.(type) {
	case *net.UnixConn:
		t = transport.WrapUnixConn(c)
	case *net.TCPConn:
		t = transport.WrapTCPConn(c)
	default:
		b.log.Warnw("unsupported connection type, dropping", "type", fmt.Sprintf("%T", conn))
		conn.Close()
		return
	}

	unique := registry.UniqueName(":busd." + strconv.FormatUint(b.nextID.Add(1), 10))
	peer := buspeer.New(unique, t, buspeer.Regular)
	peer.SetCredentials(creds)
	if err := b.peers.Add(peer); err != nil {
		b.log.Errorw("failed to register peer", "unique", unique, "error", err)
		peer.Close()
		return
	}
	b.log.Debugw("peer connected", "unique", unique)
	b.peers.Serve(peer)
	b.log.Debugw("peer disconnected", "unique", unique)
}
