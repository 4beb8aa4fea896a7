package router

import (
	"net"
	"os"
	"testing"
	"time"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
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

// newTestPeer returns a peer backed by one half of an in-memory pipe,
// plus the other half for the test to act as the remote end.
func newTestPeer(unique registry.UniqueName, kind buspeer.Kind) (*buspeer.Peer, net.Conn) {
	a, b := net.Pipe()
	return buspeer.New(unique, &pipeTransport{a}, kind), b
}

// collector reads every message off conn in the background, since
// net.Pipe is unbuffered and a writer blocks until a reader is ready.
type collector struct {
	msgs chan *dbus.RawMessage
}

func collect(conn net.Conn) *collector {
	c := &collector{msgs: make(chan *dbus.RawMessage, 16)}
	go func() {
		for {
			msg, err := dbus.ReadRawMessage(&pipeTransport{conn})
			if err != nil {
				close(c.msgs)
				return
			}
			c.msgs <- msg
		}
	}()
	return c
}

func (c *collector) next(t *testing.T) *dbus.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			t.Fatal("connection closed before expected message arrived")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (c *collector) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if ok {
			t.Fatalf("got unexpected message with member %q", msg.Header.Member)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnicastToUniqueName(t *testing.T) {
	p := New(nil)
	peer, conn := newTestPeer(":busd.1", buspeer.Regular)
	defer conn.Close()
	c := collect(conn)
	if err := p.Add(peer); err != nil {
		t.Fatal(err)
	}

	msg := &dbus.RawMessage{Header: dbus.RawHeader{
		Type: dbus.MessageCall, Serial: 1, Path: "/o", Interface: "i", Member: "M",
		Destination: ":busd.1", Sender: ":busd.2",
	}}
	if err := p.Unicast(msg); err != nil {
		t.Fatalf("Unicast() = %v, want nil", err)
	}

	got := c.next(t)
	if got.Header.Member != "M" {
		t.Fatalf("received Member = %q, want M", got.Header.Member)
	}
}

func TestUnicastUnknownWellKnownName(t *testing.T) {
	p := New(nil)
	msg := &dbus.RawMessage{Header: dbus.RawHeader{
		Type: dbus.MessageCall, Serial: 1, Destination: "org.unknown", Sender: ":busd.1",
	}}
	err := p.Unicast(msg)
	su, ok := err.(*ServiceUnknownError)
	if !ok {
		t.Fatalf("err = %v (%T), want *ServiceUnknownError", err, err)
	}
	if su.Name != "org.unknown" {
		t.Fatalf("ServiceUnknownError.Name = %q, want org.unknown", su.Name)
	}
}

func TestBroadcastOnlyToInterestedPeers(t *testing.T) {
	p := New(nil)
	interested, connI := newTestPeer(":busd.1", buspeer.Regular)
	defer connI.Close()
	cI := collect(connI)
	bored, connB := newTestPeer(":busd.2", buspeer.Regular)
	defer connB.Close()
	cB := collect(connB)

	rule, err := matchrule.Parse("type='signal',member='Foo'")
	if err != nil {
		t.Fatal(err)
	}
	interested.AddMatchRule(rule)

	if err := p.Add(interested); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(bored); err != nil {
		t.Fatal(err)
	}

	msg := &dbus.RawMessage{Header: dbus.RawHeader{
		Type: dbus.MessageSignal, Serial: 1, Path: "/o", Interface: "x.Y", Member: "Foo", Sender: ":busd.1",
	}}
	p.Broadcast(msg)

	got := cI.next(t)
	if got.Header.Member != "Foo" {
		t.Fatalf("received Member = %q, want Foo", got.Header.Member)
	}
	cB.expectNone(t)
}

func TestMakeMonitorRemovesFromRoutingTable(t *testing.T) {
	p := New(nil)
	peer, conn := newTestPeer(":busd.1", buspeer.Regular)
	defer conn.Close()
	collect(conn)
	if err := p.Add(peer); err != nil {
		t.Fatal(err)
	}

	if !p.MakeMonitor(":busd.1", matchrule.NewSet()) {
		t.Fatal("MakeMonitor() = false, want true")
	}

	msg := &dbus.RawMessage{Header: dbus.RawHeader{
		Type: dbus.MessageCall, Serial: 1, Destination: ":busd.1", Sender: ":busd.2",
	}}
	if err := p.Unicast(msg); err != ErrNoSuchPeer {
		t.Fatalf("Unicast() to former peer = %v, want ErrNoSuchPeer", err)
	}
}

func TestMonitorReceivesBroadcastCopy(t *testing.T) {
	p := New(nil)
	mon, monConn := newTestPeer(":busd.9", buspeer.Regular)
	defer monConn.Close()
	cMon := collect(monConn)
	if err := p.Add(mon); err != nil {
		t.Fatal(err)
	}
	if !p.MakeMonitor(":busd.9", matchrule.NewSet()) {
		t.Fatal("MakeMonitor failed")
	}

	sender, senderConn := newTestPeer(":busd.1", buspeer.Regular)
	defer senderConn.Close()
	collect(senderConn)
	if err := p.Add(sender); err != nil {
		t.Fatal(err)
	}

	msg := &dbus.RawMessage{Header: dbus.RawHeader{
		Type: dbus.MessageSignal, Serial: 1, Path: "/o", Interface: "x.Y", Member: "Foo", Sender: ":busd.1",
	}}
	p.Broadcast(msg)

	got := cMon.next(t)
	if got.Header.Member != "Foo" {
		t.Fatalf("monitor received Member = %q, want Foo", got.Header.Member)
	}
}

func TestNotifyNameChangesEmitsThreeSignals(t *testing.T) {
	p := New(nil)
	oldOwner, oldConn := newTestPeer(":busd.1", buspeer.Regular)
	defer oldConn.Close()
	cOld := collect(oldConn)
	newOwner, newConn := newTestPeer(":busd.2", buspeer.Regular)
	defer newConn.Close()
	cNew := collect(newConn)

	allRule, err := matchrule.Parse("type='signal'")
	if err != nil {
		t.Fatal(err)
	}
	oldOwner.AddMatchRule(allRule)
	newOwner.AddMatchRule(allRule)

	if err := p.Add(oldOwner); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(newOwner); err != nil {
		t.Fatal(err)
	}

	p.NotifyNameChanges(registry.OwnerChange{Name: "org.test", Old: ":busd.1", New: ":busd.2"})

	broadcastToOld := cOld.next(t)
	if broadcastToOld.Header.Member != "NameOwnerChanged" {
		t.Fatalf("first signal to old owner = %q, want NameOwnerChanged", broadcastToOld.Header.Member)
	}
	lost := cOld.next(t)
	if lost.Header.Member != "NameLost" {
		t.Fatalf("second signal to old owner = %q, want NameLost", lost.Header.Member)
	}

	broadcastToNew := cNew.next(t)
	if broadcastToNew.Header.Member != "NameOwnerChanged" {
		t.Fatalf("first signal to new owner = %q, want NameOwnerChanged", broadcastToNew.Header.Member)
	}
	acquired := cNew.next(t)
	if acquired.Header.Member != "NameAcquired" {
		t.Fatalf("second signal to new owner = %q, want NameAcquired", acquired.Header.Member)
	}
}
