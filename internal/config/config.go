// Package config defines the typed contract the core consumes from the
// (out of scope) configuration loader: a listen address, an
// authentication mechanism, and a policy tree. No XML parsing lives
// here — that is the configuration loader's job, per spec.md §1. This
// package only shapes what a loader must eventually hand the core, and
// supplies session-bus defaults for the common case of no config file
// at all.
//
// Grounded on original_source/src/config/mod.rs's Config struct (field
// shapes, minus the fields the loader itself is responsible for:
// Fork, KeepUmask, Pidfile, ServiceDirs, …), and original_source's two
// near-duplicate configuration modules (src/configuration.rs and
// src/config/ — see spec.md §9's Open Question): this package treats
// config/ as authoritative since it is the richer, policy-bearing one.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/dbus2/busd-sub000/internal/busauth"
)

// Config is the typed value the core consumes. A real deployment
// produces one of these from an XML configuration file; this package
// only knows how to build the session-bus default.
type Config struct {
	// Listen is the bus address to bind, in the "transport:key=value,…"
	// grammar of spec.md §6.
	Listen string

	// AuthMechanism is the authentication mechanism required of
	// connecting peers. Zero value (""), means "choose the default for
	// the listen address's transport" (spec.md §6: EXTERNAL for Unix,
	// ANONYMOUS for TCP on non-Windows).
	AuthMechanism busauth.Mechanism

	// AllowAnonymous mirrors original_source's allow_anonymous: whether
	// peers that authenticated via ANONYMOUS are authorized to proceed,
	// independent of whether ANONYMOUS is the transport's default
	// mechanism. The core does not itself enforce this — it is a
	// policy-evaluation interface point per spec.md §1 — but the field
	// is part of the typed contract so a loader has somewhere to put
	// it.
	AllowAnonymous bool

	// Policy is the loaded policy tree. The core never evaluates it
	// itself; internal/busserver.Bus.EvaluatePolicy exposes the hook for
	// a caller that wants to.
	Policy Policy
}

// Default returns the session-bus configuration the core uses when no
// external configuration file is supplied: the XDG_RUNTIME_DIR (or
// /run/user/<uid> fallback) session socket, auto-selected auth
// mechanism, and an empty policy tree.
func Default() Config {
	return Config{
		Listen: DefaultSessionAddress(),
	}
}

// DefaultSessionAddress computes "…/busd-session" under
// XDG_RUNTIME_DIR, or under /run/user/<uid> if that variable is unset,
// per spec.md §6's Environment contract.
func DefaultSessionAddress() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join("/run", "user", strconv.Itoa(os.Getuid()))
	}
	return "unix:path=" + filepath.Join(dir, "busd-session")
}
