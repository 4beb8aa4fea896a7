package fdo_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/fdo"
	"github.com/dbus2/busd-sub000/internal/registry"
	"github.com/dbus2/busd-sub000/internal/router"
	"github.com/dbus2/busd-sub000/transport"
)

type pipeTransport struct {
	net.Conn
}

func (p *pipeTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	panic("GetFiles not supported by pipeTransport")
}

func (p *pipeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) != 0 {
		panic("WriteWithFiles with fds not supported by pipeTransport")
	}
	return p.Write(bs)
}

// busEnv is a fully wired bus minus the listener: a router, the
// synthetic self-peer on one half of an in-memory pipe, and the fdo
// dispatcher on the other, exactly as busserver wires them.
type busEnv struct {
	peers *router.Peers
	guid  string
}

func newBus(t *testing.T) *busEnv {
	t.Helper()
	env := &busEnv{peers: router.New(nil), guid: "0123456789abcdef0123456789abcdef"}

	routerSide, fdoSide := transport.Pipe()
	self := buspeer.New(registry.BusUniqueName, routerSide, buspeer.Self)
	if err := env.peers.Add(self); err != nil {
		t.Fatal(err)
	}
	go env.peers.Serve(self)

	bus := fdo.NewBus(env.peers, env.guid, fdoSide, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Serve(ctx)
	t.Cleanup(func() { routerSide.Close() })
	return env
}

// testClient is one connected peer: the remote half of its pipe, plus
// a background reader draining everything the bus sends it.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	unique registry.UniqueName
	serial uint32
	msgs   chan *dbus.RawMessage
}

func (e *busEnv) connect(t *testing.T, unique registry.UniqueName) *testClient {
	t.Helper()
	a, b := net.Pipe()
	peer := buspeer.New(unique, &pipeTransport{a}, buspeer.Regular)
	if err := e.peers.Add(peer); err != nil {
		t.Fatal(err)
	}
	go e.peers.Serve(peer)

	c := &testClient{t: t, conn: b, unique: unique, msgs: make(chan *dbus.RawMessage, 32)}
	go func() {
		for {
			msg, err := dbus.ReadRawMessage(&pipeTransport{b})
			if err != nil {
				close(c.msgs)
				return
			}
			c.msgs <- msg
		}
	}()
	t.Cleanup(func() { b.Close() })
	return c
}

// call sends a method call to the bus object and returns its serial.
func (c *testClient) call(iface, member string, body any) uint32 {
	c.t.Helper()
	c.serial++
	sig, bs, err := dbus.EncodeBody(context.Background(), body)
	if err != nil {
		c.t.Fatalf("encoding %s.%s body: %v", iface, member, err)
	}
	hdr := dbus.RawHeader{
		Type:        dbus.MessageCall,
		Serial:      c.serial,
		Length:      uint32(len(bs)),
		Path:        router.BusPath,
		Interface:   iface,
		Member:      member,
		Destination: string(registry.BusUniqueName),
		Signature:   sig,
		Version:     1,
	}
	if err := dbus.WriteRawMessage(&pipeTransport{c.conn}, &hdr, bs, nil); err != nil {
		c.t.Fatalf("writing %s.%s call: %v", iface, member, err)
	}
	return c.serial
}

// send writes an arbitrary message (a peer-to-peer call, a reply, a
// broadcast signal) onto the client's connection.
func (c *testClient) send(hdr dbus.RawHeader, body any) {
	c.t.Helper()
	c.serial++
	sig, bs, err := dbus.EncodeBody(context.Background(), body)
	if err != nil {
		c.t.Fatal(err)
	}
	hdr.Serial = c.serial
	hdr.Length = uint32(len(bs))
	hdr.Signature = sig
	hdr.Version = 1
	if err := dbus.WriteRawMessage(&pipeTransport{c.conn}, &hdr, bs, nil); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testClient) next() *dbus.RawMessage {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed before expected message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for message")
		return nil
	}
}

func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if ok {
			c.t.Fatalf("got unexpected message %v %s.%s", msg.Header.Type, msg.Header.Interface, msg.Header.Member)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *testClient) expectReply(serial uint32) *dbus.RawMessage {
	c.t.Helper()
	msg := c.next()
	if msg.Header.Type != dbus.MessageReturn {
		c.t.Fatalf("got message type %v (member %q, error %q), want method return", msg.Header.Type, msg.Header.Member, msg.Header.ErrName)
	}
	if msg.Header.ReplySerial != serial {
		c.t.Fatalf("reply serial = %d, want %d", msg.Header.ReplySerial, serial)
	}
	return msg
}

func (c *testClient) expectError(serial uint32, name string) {
	c.t.Helper()
	msg := c.next()
	if msg.Header.Type != dbus.MessageError {
		c.t.Fatalf("got message type %v (member %q), want error", msg.Header.Type, msg.Header.Member)
	}
	if msg.Header.ReplySerial != serial {
		c.t.Fatalf("error reply serial = %d, want %d", msg.Header.ReplySerial, serial)
	}
	if msg.Header.ErrName != name {
		c.t.Fatalf("error name = %q, want %q", msg.Header.ErrName, name)
	}
}

func (c *testClient) expectSignal(member string) *dbus.RawMessage {
	c.t.Helper()
	msg := c.next()
	if msg.Header.Type != dbus.MessageSignal || msg.Header.Member != member {
		c.t.Fatalf("got %v %s.%s, want signal %s", msg.Header.Type, msg.Header.Interface, msg.Header.Member, member)
	}
	return msg
}

func decodeBody[T any](t *testing.T, msg *dbus.RawMessage) T {
	t.Helper()
	var v T
	if err := msg.Decoder().Value(context.Background(), &v); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return v
}

// hello performs the Hello handshake and drains its reply and the
// NameAcquired signal, for tests that only care about what follows.
func (c *testClient) hello() {
	c.t.Helper()
	s := c.call(router.BusInterface, "Hello", nil)
	c.expectReply(s)
	c.expectSignal("NameAcquired")
}

type ownerChange struct {
	Name string
	Old  string
	New  string
}

func TestHelloReplyPrecedesNameAcquired(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")

	s := c.call(router.BusInterface, "Hello", nil)
	reply := c.expectReply(s)
	if got := decodeBody[string](t, reply); got != ":busd.1" {
		t.Fatalf("Hello reply = %q, want :busd.1", got)
	}

	acquired := c.expectSignal("NameAcquired")
	if got := decodeBody[string](t, acquired); got != ":busd.1" {
		t.Fatalf("NameAcquired = %q, want :busd.1", got)
	}

	s = c.call(router.BusInterface, "Hello", nil)
	c.expectError(s, "org.freedesktop.DBus.Error.Failed")
}

func TestNameQueuing(t *testing.T) {
	env := newBus(t)
	a := env.connect(t, ":busd.1")
	b := env.connect(t, ":busd.2")
	a.hello()
	b.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}

	s := a.call(router.BusInterface, "RequestName", requestName{"org.t", uint32(registry.AllowReplacement)})
	if got := decodeBody[string](t, a.expectSignal("NameAcquired")); got != "org.t" {
		t.Fatalf("NameAcquired = %q, want org.t", got)
	}
	if got := decodeBody[uint32](t, a.expectReply(s)); got != uint32(registry.PrimaryOwner) {
		t.Fatalf("A RequestName = %d, want PrimaryOwner", got)
	}

	s = b.call(router.BusInterface, "RequestName", requestName{"org.t", 0})
	if got := decodeBody[uint32](t, b.expectReply(s)); got != uint32(registry.InQueue) {
		t.Fatalf("B RequestName = %d, want InQueue", got)
	}

	s = b.call(router.BusInterface, "GetNameOwner", "org.t")
	if got := decodeBody[string](t, b.expectReply(s)); got != ":busd.1" {
		t.Fatalf("GetNameOwner = %q, want :busd.1", got)
	}

	s = b.call(router.BusInterface, "ListQueuedOwners", "org.t")
	if got := decodeBody[[]string](t, b.expectReply(s)); len(got) != 2 || got[0] != ":busd.1" || got[1] != ":busd.2" {
		t.Fatalf("ListQueuedOwners = %v, want [:busd.1 :busd.2]", got)
	}

	s = a.call(router.BusInterface, "ReleaseName", "org.t")
	if got := decodeBody[string](t, a.expectSignal("NameLost")); got != "org.t" {
		t.Fatalf("NameLost = %q, want org.t", got)
	}
	if got := decodeBody[uint32](t, a.expectReply(s)); got != uint32(registry.Released) {
		t.Fatalf("ReleaseName = %d, want Released", got)
	}
	if got := decodeBody[string](t, b.expectSignal("NameAcquired")); got != "org.t" {
		t.Fatalf("NameAcquired to B = %q, want org.t", got)
	}

	s = b.call(router.BusInterface, "GetNameOwner", "org.t")
	if got := decodeBody[string](t, b.expectReply(s)); got != ":busd.2" {
		t.Fatalf("GetNameOwner after release = %q, want :busd.2", got)
	}
}

func TestGetNameOwnerOfUnownedName(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	s := c.call(router.BusInterface, "GetNameOwner", "org.absent")
	c.expectError(s, "org.freedesktop.DBus.Error.NameHasNoOwner")

	s = c.call(router.BusInterface, "NameHasOwner", "org.absent")
	if decodeBody[bool](t, c.expectReply(s)) {
		t.Fatal("NameHasOwner(org.absent) = true, want false")
	}

	s = c.call(router.BusInterface, "NameHasOwner", ":busd.1")
	if !decodeBody[bool](t, c.expectReply(s)) {
		t.Fatal("NameHasOwner(:busd.1) = false, want true")
	}

	s = c.call(router.BusInterface, "ListQueuedOwners", "org.absent")
	c.expectError(s, "org.freedesktop.DBus.Error.NameHasNoOwner")
}

func TestListNamesIncludesUniqueAndWellKnown(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}
	s := c.call(router.BusInterface, "RequestName", requestName{"org.listed", 0})
	c.expectSignal("NameAcquired")
	c.expectReply(s)

	s = c.call(router.BusInterface, "ListNames", nil)
	names := decodeBody[[]string](t, c.expectReply(s))
	want := map[string]bool{":busd.1": false, "org.listed": false, string(registry.BusUniqueName): false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("ListNames is missing %q (got %v)", n, names)
		}
	}
}

func TestAddMatchFiltersBroadcasts(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	d := env.connect(t, ":busd.2")
	c.hello()
	d.hello()

	s := c.call(router.BusInterface, "AddMatch", "type='signal',interface='x.Y'")
	c.expectReply(s)

	d.send(dbus.RawHeader{Type: dbus.MessageSignal, Path: "/o", Interface: "x.Y", Member: "Ping"}, nil)
	d.send(dbus.RawHeader{Type: dbus.MessageSignal, Path: "/o", Interface: "x.Z", Member: "Pong"}, nil)

	got := c.expectSignal("Ping")
	if got.Header.Sender != ":busd.2" {
		t.Fatalf("signal sender = %q, want :busd.2", got.Header.Sender)
	}
	c.expectNone()
}

func TestAddMatchInvalidAndRemoveMatchMissing(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	s := c.call(router.BusInterface, "AddMatch", "bogus='x'")
	c.expectError(s, "org.freedesktop.DBus.Error.MatchRuleInvalid")

	s = c.call(router.BusInterface, "RemoveMatch", "type='signal'")
	c.expectError(s, "org.freedesktop.DBus.Error.MatchRuleNotFound")

	s = c.call(router.BusInterface, "AddMatch", "type='signal'")
	c.expectReply(s)
	s = c.call(router.BusInterface, "RemoveMatch", "type='signal'")
	c.expectReply(s)
}

func TestUnicastByWellKnownName(t *testing.T) {
	env := newBus(t)
	a := env.connect(t, ":busd.1")
	b := env.connect(t, ":busd.2")
	a.hello()
	b.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}
	s := a.call(router.BusInterface, "RequestName", requestName{"org.t", 0})
	a.expectSignal("NameAcquired")
	a.expectReply(s)

	b.send(dbus.RawHeader{
		Type: dbus.MessageCall, Path: "/svc", Interface: "org.t.Svc", Member: "Frob",
		Destination: "org.t",
	}, nil)
	callSerial := b.serial

	got := a.next()
	if got.Header.Member != "Frob" {
		t.Fatalf("A received member %q, want Frob", got.Header.Member)
	}
	if got.Header.Sender != ":busd.2" {
		t.Fatalf("A received sender %q, want :busd.2", got.Header.Sender)
	}

	a.send(dbus.RawHeader{Type: dbus.MessageReturn, ReplySerial: callSerial, Destination: ":busd.2"}, nil)
	reply := b.next()
	if reply.Header.Type != dbus.MessageReturn || reply.Header.ReplySerial != callSerial {
		t.Fatalf("B received %v reply-serial %d, want return for %d", reply.Header.Type, reply.Header.ReplySerial, callSerial)
	}
}

func TestCallToUnknownServiceYieldsError(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	c.send(dbus.RawHeader{
		Type: dbus.MessageCall, Path: "/x", Interface: "x.Y", Member: "M",
		Destination: "org.nowhere",
	}, nil)
	c.expectError(c.serial, "org.freedesktop.DBus.Error.ServiceUnknown")
}

func TestBecomeMonitorReplyPrecedesSignals(t *testing.T) {
	env := newBus(t)
	m := env.connect(t, ":busd.1")
	m.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}
	s := m.call(router.BusInterface, "RequestName", requestName{"org.q", 0})
	m.expectSignal("NameAcquired")
	m.expectReply(s)

	type becomeMonitor struct {
		Rules []string
		Flags uint32
	}
	s = m.call("org.freedesktop.DBus.Monitoring", "BecomeMonitor", becomeMonitor{nil, 0})
	m.expectReply(s)

	// Having transitioned, the monitor observes the fallout of its own
	// transition as forwarded copies: its well-known name released,
	// then its unique name retired.
	if got := decodeBody[ownerChange](t, m.expectSignal("NameOwnerChanged")); got.Name != "org.q" || got.Old != ":busd.1" || got.New != "" {
		t.Fatalf("NameOwnerChanged = %+v, want {org.q :busd.1 }", got)
	}
	m.expectSignal("NameLost")
	if got := decodeBody[ownerChange](t, m.expectSignal("NameOwnerChanged")); got.Name != ":busd.1" || got.Old != ":busd.1" {
		t.Fatalf("NameOwnerChanged = %+v, want {:busd.1 :busd.1 }", got)
	}
	m.expectSignal("NameLost")

	// Subsequent bus traffic from another peer is observed in full:
	// its Hello call, the reply, and the resulting signals.
	e := env.connect(t, ":busd.2")
	helloSerial := e.call(router.BusInterface, "Hello", nil)
	e.expectReply(helloSerial)
	e.expectSignal("NameAcquired")

	if got := m.next(); got.Header.Type != dbus.MessageCall || got.Header.Member != "Hello" {
		t.Fatalf("monitor saw %v %q, want E's Hello call", got.Header.Type, got.Header.Member)
	}
	if got := m.next(); got.Header.Type != dbus.MessageReturn || got.Header.ReplySerial != helloSerial {
		t.Fatalf("monitor saw %v, want E's Hello reply", got.Header.Type)
	}
	if got := m.expectSignal("NameOwnerChanged"); decodeBody[ownerChange](t, got).New != ":busd.2" {
		t.Fatal("monitor did not see E's NameOwnerChanged")
	}
	m.expectSignal("NameAcquired")
}

func TestMonitorInputIsIgnored(t *testing.T) {
	env := newBus(t)
	m := env.connect(t, ":busd.1")
	m.hello()

	type becomeMonitor struct {
		Rules []string
		Flags uint32
	}
	s := m.call("org.freedesktop.DBus.Monitoring", "BecomeMonitor", becomeMonitor{nil, 0})
	m.expectReply(s)
	m.expectSignal("NameOwnerChanged")
	m.expectSignal("NameLost")

	// A message from a monitor is dropped without a reply, and without
	// tearing the connection down.
	m.call(router.BusInterface, "GetId", nil)
	m.expectNone()
}

func TestGetId(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	s := c.call(router.BusInterface, "GetId", nil)
	if got := decodeBody[string](t, c.expectReply(s)); got != env.guid {
		t.Fatalf("GetId = %q, want %q", got, env.guid)
	}
}

func TestGetConnectionCredentialsEmptyWhenUnknown(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	s := c.call(router.BusInterface, "GetConnectionCredentials", ":busd.1")
	creds := decodeBody[map[string]dbus.Variant](t, c.expectReply(s))
	if len(creds) != 0 {
		t.Fatalf("credentials = %v, want empty for a peer with no ambient credentials", creds)
	}

	s = c.call(router.BusInterface, "GetConnectionUnixUser", ":busd.1")
	c.expectError(s, "org.freedesktop.DBus.Error.Failed")
}

func TestActivationMethodsNotSupported(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	type startService struct {
		Name  string
		Flags uint32
	}
	s := c.call(router.BusInterface, "StartServiceByName", startService{"org.x", 0})
	c.expectError(s, "org.freedesktop.DBus.Error.NotSupported")

	s = c.call(router.BusInterface, "ReloadConfig", nil)
	c.expectError(s, "org.freedesktop.DBus.Error.NotSupported")
}

func TestRequestNameRejectsUnknownFlags(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}
	s := c.call(router.BusInterface, "RequestName", requestName{"org.t", 1 << 7})
	c.expectError(s, "org.freedesktop.DBus.Error.InvalidArgs")
}

func TestDisconnectReleasesNames(t *testing.T) {
	env := newBus(t)
	a := env.connect(t, ":busd.1")
	a.hello()

	type requestName struct {
		Name  string
		Flags uint32
	}
	s := a.call(router.BusInterface, "RequestName", requestName{"org.p", 0})
	a.expectSignal("NameAcquired")
	a.expectReply(s)

	b := env.connect(t, ":busd.2")
	b.hello()
	s = b.call(router.BusInterface, "AddMatch", "type='signal'")
	b.expectReply(s)

	a.conn.Close()

	if got := decodeBody[ownerChange](t, b.expectSignal("NameOwnerChanged")); got.Name != "org.p" || got.Old != ":busd.1" || got.New != "" {
		t.Fatalf("NameOwnerChanged = %+v, want {org.p :busd.1 }", got)
	}
	if got := decodeBody[ownerChange](t, b.expectSignal("NameOwnerChanged")); got.Name != ":busd.1" || got.Old != ":busd.1" || got.New != "" {
		t.Fatalf("NameOwnerChanged = %+v, want {:busd.1 :busd.1 }", got)
	}
}

func TestUnknownMethodFails(t *testing.T) {
	env := newBus(t)
	c := env.connect(t, ":busd.1")
	c.hello()

	s := c.call(router.BusInterface, "NoSuchMethod", nil)
	c.expectError(s, "org.freedesktop.DBus.Error.Failed")
}
