// Package busaddr parses the D-Bus address grammar
// ("transport:key=value,key=value;…") and turns a parsed address into
// a bound listener. Grounded on original_source/src/bus/mod.rs's
// Bus::for_address/unix_stream/tcp_stream, reworked as a standalone
// parse+listen step so internal/busserver only has to drive Accept.
package busaddr

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedTransport reports an address naming a transport this
// broker does not implement: nonce-tcp, autolaunch, unix "dir"/"tmpdir",
// or anything not in {unix, tcp}, per spec.md §6.
var ErrUnsupportedTransport = errors.New("busaddr: unsupported transport")

// Address is one parsed "transport:key=value,…" segment.
type Address struct {
	Transport string
	Params    map[string]string
}

// Parse parses a D-Bus address string, taking only its first
// semicolon-separated alternative — a listen address, unlike a client
// connection address, names exactly one place to bind.
func Parse(s string) (Address, error) {
	first, _, _ := strings.Cut(s, ";")
	transport, rest, ok := strings.Cut(first, ":")
	if !ok {
		return Address{}, fmt.Errorf("busaddr: %q is missing a transport prefix", s)
	}

	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return Address{}, fmt.Errorf("busaddr: malformed key=value pair %q", kv)
			}
			params[k] = unescape(v)
		}
	}
	return Address{Transport: transport, Params: params}, nil
}

// unescape undoes the D-Bus address percent-escaping of bytes outside
// the grammar's "optionally escaped" set. Implemented directly rather
// than imported since it's a handful of lines and the only D-Bus
// address parsing this broker needs (the XML configuration loader,
// out of scope, is expected to do the same for <listen> elements
// before this package ever sees the result).
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// GUID returns the address's explicit guid= parameter, if any.
func (a Address) GUID() (string, bool) {
	g, ok := a.Params["guid"]
	return g, ok
}

// WithGUID returns a copy of a with its guid parameter set, for
// amending an address that didn't name one at bind time (spec.md §6).
func (a Address) WithGUID(guid string) Address {
	params := make(map[string]string, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	params["guid"] = guid
	return Address{Transport: a.Transport, Params: params}
}

// String renders a back into "transport:key=value,…" form.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Transport)
	b.WriteByte(':')
	first := true
	// guid last, so the common "unix:path=…" case reads naturally.
	for _, k := range orderedKeys(a.Params) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%s=%s", k, a.Params[k])
	}
	return b.String()
}

func orderedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "guid" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := m["guid"]; ok {
		keys = append(keys, "guid")
	}
	return keys
}

// Listener is a bound listener plus whatever cleanup binding it
// required.
type Listener struct {
	net.Listener
	// Transport is "unix" or "tcp", telling internal/busserver which
	// Transport wrapper and default auth mechanism to use per
	// connection.
	Transport string
	// unlinkPath is the filesystem path to remove on Close, for a Unix
	// "path=" socket. Empty for abstract-namespace and TCP listeners,
	// which need no filesystem cleanup (spec.md §5).
	unlinkPath string
}

// Close closes the listener and, for a filesystem Unix socket, unlinks
// its path.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.unlinkPath != "" {
		if rmErr := os.Remove(l.unlinkPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// Listen binds addr, returning ErrUnsupportedTransport for any
// transport this broker doesn't implement.
func Listen(addr Address) (*Listener, error) {
	switch addr.Transport {
	case "unix":
		return listenUnix(addr)
	case "tcp":
		return listenTCP(addr)
	case "nonce-tcp", "autolaunch":
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, addr.Transport)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, addr.Transport)
	}
}

func listenUnix(addr Address) (*Listener, error) {
	if path, ok := addr.Params["path"]; ok {
		l, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: path})
		if err != nil {
			return nil, err
		}
		return &Listener{Listener: l, Transport: "unix", unlinkPath: path}, nil
	}
	if name, ok := addr.Params["abstract"]; ok {
		l, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: "@" + name})
		if err != nil {
			return nil, err
		}
		return &Listener{Listener: l, Transport: "unix"}, nil
	}
	if _, ok := addr.Params["dir"]; ok {
		return nil, fmt.Errorf("%w: unix \"dir\"", ErrUnsupportedTransport)
	}
	if _, ok := addr.Params["tmpdir"]; ok {
		return nil, fmt.Errorf("%w: unix \"tmpdir\"", ErrUnsupportedTransport)
	}
	return nil, errors.New("busaddr: unix address has neither path= nor abstract=")
}

func listenTCP(addr Address) (*Listener, error) {
	if _, ok := addr.Params["nonce-file"]; ok {
		return nil, fmt.Errorf("%w: nonce-tcp", ErrUnsupportedTransport)
	}
	host := addr.Params["host"]
	if host == "" {
		host = "localhost"
	}
	port := addr.Params["port"]
	if port == "" {
		port = "0"
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{Listener: l, Transport: "tcp"}, nil
}
