package buspeer

import (
	"net"
	"os"
	"testing"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// pipeTransport adapts a net.Conn to transport.Transport for tests
// that don't exercise file descriptor passing.
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

func newTestPeer(kind Kind) (*Peer, net.Conn) {
	a, b := net.Pipe()
	return New(":busd.1", &pipeTransport{a}, kind), b
}

func TestHelloLatch(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	if err := p.Hello(); err != nil {
		t.Fatalf("first Hello() = %v, want nil", err)
	}
	if err := p.Hello(); err != ErrAlreadyGreeted {
		t.Fatalf("second Hello() = %v, want ErrAlreadyGreeted", err)
	}
}

func TestSelfPeerGreetedFromBirth(t *testing.T) {
	p, conn := newTestPeer(Self)
	defer conn.Close()

	if !p.Greeted() {
		t.Fatal("self peer should be greeted from birth")
	}
}

func TestBecomeMonitorTransition(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	rules := matchrule.NewSet()
	if err := p.BecomeMonitor(rules); err != nil {
		t.Fatalf("BecomeMonitor() = %v, want nil", err)
	}
	if p.Kind() != Monitor {
		t.Fatalf("Kind() = %v, want Monitor", p.Kind())
	}
	if err := p.BecomeMonitor(rules); err == nil {
		t.Fatal("second BecomeMonitor() should fail")
	}
}

func TestMonitorSendRefused(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	if err := p.BecomeMonitor(matchrule.NewSet()); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(&dbus.RawHeader{}, nil, nil); err != ErrIsMonitor {
		t.Fatalf("Send() on monitor = %v, want ErrIsMonitor", err)
	}
}

func TestMonitorInterestedWhenRulesEmpty(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()
	if err := p.BecomeMonitor(matchrule.NewSet()); err != nil {
		t.Fatal(err)
	}

	msg := &dbus.RawMessage{Header: dbus.RawHeader{Type: dbus.MessageSignal}}
	if !p.Interested(msg, (*registry.Registry)(nil)) {
		t.Fatal("empty-rule monitor should be interested in everything")
	}
}

func TestRegularPeerNotInterestedWhenRulesEmpty(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	msg := &dbus.RawMessage{Header: dbus.RawHeader{Type: dbus.MessageSignal}}
	if p.Interested(msg, (*registry.Registry)(nil)) {
		t.Fatal("regular peer with no rules should not be interested in anything")
	}
}

func TestCloseFiresDone(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	select {
	case <-p.Done():
		t.Fatal("Done() should not be closed before Close()")
	default:
	}

	p.Close()

	select {
	case <-p.Done():
	default:
		t.Fatal("Done() should be closed after Close()")
	}

	// Closing twice must not panic.
	p.Close()
}

func TestAddRemoveMatchRule(t *testing.T) {
	p, conn := newTestPeer(Regular)
	defer conn.Close()

	r, err := matchrule.Parse("type='signal'")
	if err != nil {
		t.Fatal(err)
	}
	p.AddMatchRule(r)

	msg := &dbus.RawMessage{Header: dbus.RawHeader{Type: dbus.MessageSignal}}
	if !p.Interested(msg, (*registry.Registry)(nil)) {
		t.Fatal("want interested after AddMatchRule")
	}

	if err := p.RemoveMatchRule(r); err != nil {
		t.Fatalf("RemoveMatchRule() = %v, want nil", err)
	}
	if p.Interested(msg, (*registry.Registry)(nil)) {
		t.Fatal("want not interested after RemoveMatchRule")
	}
	if err := p.RemoveMatchRule(r); err != matchrule.ErrNotFound {
		t.Fatalf("second RemoveMatchRule() = %v, want ErrNotFound", err)
	}
}
