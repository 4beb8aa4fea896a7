package transport

import (
	"errors"
	"net"
	"os"
)

// errNoFDPassing is returned by a Transport variant that runs over a
// medium with no file-descriptor-passing support (TCP, or the
// in-memory self-peer pipe).
var errNoFDPassing = errors.New("transport: file descriptor passing not supported on this connection")

// WrapTCPConn adapts an already-connected TCP socket into a Transport.
// TCP carries no ancillary data, so GetFiles/WriteWithFiles with any
// files attached fail; a bus reachable only over TCP simply never
// offers fd-passing to its peers, which spec.md §6 anticipates (TCP
// transports use ANONYMOUS or EXTERNAL auth with no NEGOTIATE_UNIX_FD
// capability implied).
func WrapTCPConn(conn *net.TCPConn) Transport {
	return &plainTransport{Conn: conn}
}

// plainTransport is a Transport with no fd-passing, backed by any
// net.Conn. Used for TCP and for the in-memory self-peer pipe.
type plainTransport struct {
	net.Conn
}

func (p *plainTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errNoFDPassing
}

func (p *plainTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) != 0 {
		return 0, errNoFDPassing
	}
	return p.Write(bs)
}

// Pipe returns two connected Transport halves backed by an in-memory
// net.Pipe, with no fd-passing. This is the "connected pair of
// in-memory socket halves" spec.md §9 describes for the bus's own
// self-peer: one half is driven by internal/fdo.Bus, the other is
// registered as a regular peer in internal/router.Peers, with no
// special-casing anywhere in the routing path.
func Pipe() (Transport, Transport) {
	a, b := net.Pipe()
	return &plainTransport{Conn: a}, &plainTransport{Conn: b}
}
