package fdo

import (
	"context"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// handleBecomeMonitor transitions sender into a monitor and, once its
// reply is on the wire, releases every name it held and notifies the
// bus of the resulting changes, grounded on
// original_source/src/fdo/monitoring.rs's become_monitor: the rust
// source needs a ResponseDispatchNotifier/spawned task to delay this
// until the reply has flushed; this repo gets the same ordering for
// free by simply doing the reply write before the notifications,
// since sender's own connection serializes its writes.
func (b *Bus) handleBecomeMonitor(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) {
	wantReply := msg.Header.WantReply()
	var req struct {
		Rules []string
		Flags uint32
	}
	if err := msg.Decoder().Value(ctx, &req); err != nil {
		b.replyErr(sender, msg.Header.Serial, wantReply, ErrInvalidArgs("%v", err))
		return
	}

	rules := matchrule.NewSet()
	for _, s := range req.Rules {
		r, err := matchrule.Parse(s)
		if err != nil {
			b.replyErr(sender, msg.Header.Serial, wantReply, ErrMatchRuleInvalid("%v", err))
			return
		}
		rules.Add(r)
	}

	if !b.peers.MakeMonitor(sender, rules) {
		b.replyErr(sender, msg.Header.Serial, wantReply, ErrNameHasNoOwner("No such peer: %s", sender))
		return
	}

	// The sender is no longer in the destination table, so its reply
	// can't route through Unicast; deliver it straight to its
	// connection instead.
	if wantReply {
		peer, ok := b.peers.Peer(sender)
		if !ok {
			return
		}
		if err := b.peers.ReplyDirect(peer, msg.Header.Serial, nil); err != nil {
			b.log.Warnw("failed to send BecomeMonitor reply", "to", sender, "error", err)
			return
		}
	}

	for _, change := range b.peers.Names().ReleaseAll(sender) {
		b.peers.NotifyNameChanges(change)
	}
	b.peers.NotifyNameChanges(registry.OwnerChange{Name: registry.WellKnownName(sender), Old: sender})
}
