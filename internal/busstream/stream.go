// Package busstream wraps a peer's raw message connection, enforcing
// the header invariants the rest of the bus relies on: every non-signal
// message carries a destination, and every message carries a sender
// that can be trusted to name the peer it came from.
package busstream

import (
	"fmt"

	"github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// MalformedMessage reports that an inbound message failed a structural
// check the bus requires before it can be routed.
type MalformedMessage struct {
	Reason string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// SpoofedSender reports that a peer sent a message whose sender field
// names a different peer.
type SpoofedSender struct {
	Claimed registry.UniqueName
	Actual  registry.UniqueName
}

func (e *SpoofedSender) Error() string {
	return fmt.Sprintf("message claims sender %q, but connection is %q", e.Claimed, e.Actual)
}

// Enforce validates and, if needed, rewrites msg's header in place so
// that it carries uniqueName as its sender.
//
// It returns *MalformedMessage if msg is not a signal and has no
// destination, and *SpoofedSender if msg already names a different
// sender. Enforce never touches msg.Body or msg.Files: only the
// header's Sender field may change, so the caller can forward the
// message without re-encoding its body.
func Enforce(msg *dbus.RawMessage, uniqueName registry.UniqueName) error {
	if msg.Header.Type != dbus.MessageSignal && msg.Header.Destination == "" {
		return &MalformedMessage{Reason: "missing destination field"}
	}

	switch sender := registry.UniqueName(msg.Header.Sender); {
	case sender == "":
		msg.Header.Sender = string(uniqueName)
	case sender == uniqueName:
		// Already correct, nothing to do.
	default:
		return &SpoofedSender{Claimed: sender, Actual: uniqueName}
	}
	return nil
}
