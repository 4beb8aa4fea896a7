package busauth

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/dbus2/busd-sub000/internal/buspeer"
)

// peerCredentials reads SO_PEERCRED off conn's underlying file
// descriptor, per SPEC_FULL.md's note that credential extraction uses
// golang.org/x/sys/unix.GetsockoptUcred the same way the teacher's
// transport/unix.go already depends on golang.org/x/sys/unix. It
// returns a zero Credentials (not an error) for any connection that
// isn't a Unix socket, or if the syscall fails — per spec.md §4.7,
// GetConnectionCredentials reports an empty structure rather than an
// error for unsupported transports.
func peerCredentials(conn net.Conn) buspeer.Credentials {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return buspeer.Credentials{}
	}

	var creds buspeer.Credentials
	raw, err := uc.SyscallConn()
	if err != nil {
		return creds
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		creds.HasUnixUser = true
		creds.UnixUser = ucred.Uid
		creds.HasProcessID = true
		creds.ProcessID = uint32(ucred.Pid)
	})
	if ctrlErr != nil {
		return buspeer.Credentials{}
	}
	return creds
}
