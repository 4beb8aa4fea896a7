package fdo

import (
	"context"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/buspeer"
	"github.com/dbus2/busd-sub000/internal/matchrule"
	"github.com/dbus2/busd-sub000/internal/registry"
)

func (b *Bus) handleRequestName(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var req struct {
		Name  string
		Flags uint32
	}
	if err := msg.Decoder().Value(ctx, &req); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	const allFlags = uint32(registry.AllowReplacement | registry.ReplaceExisting | registry.DoNotQueue)
	if req.Flags&^allFlags != 0 {
		return nil, ErrInvalidArgs("unknown RequestName flag bits %#x", req.Flags&^allFlags)
	}

	reply, changed := b.peers.Names().RequestName(registry.WellKnownName(req.Name), sender, registry.RequestNameFlags(req.Flags))
	if changed != nil {
		b.peers.NotifyNameChanges(*changed)
	}
	return uint32(reply), nil
}

func (b *Bus) handleReleaseName(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	reply, changed := b.peers.Names().ReleaseName(registry.WellKnownName(name), sender)
	if changed != nil {
		b.peers.NotifyNameChanges(*changed)
	}
	return uint32(reply), nil
}

func (b *Bus) handleGetNameOwner(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	if len(name) > 0 && name[0] == ':' {
		if _, ok := b.peers.Peer(registry.UniqueName(name)); ok {
			return name, nil
		}
		return nil, ErrNameHasNoOwner("%s is not owned by anyone.", name)
	}
	owner, ok := b.peers.Names().Lookup(registry.WellKnownName(name))
	if !ok {
		return nil, ErrNameHasNoOwner("Name %s is not owned by anyone. Take it!", name)
	}
	return string(owner), nil
}

func (b *Bus) handleNameHasOwner(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	_, ferr := b.handleGetNameOwner(ctx, sender, msg)
	if ferr != nil {
		if ferr.Name == "org.freedesktop.DBus.Error.NameHasNoOwner" {
			return false, nil
		}
		return nil, ferr
	}
	return true, nil
}

func (b *Bus) handleListNames(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	var names []string
	for _, u := range b.peers.UniqueNames() {
		names = append(names, string(u))
	}
	for _, n := range b.peers.Names().AllNames() {
		names = append(names, string(n))
	}
	return names, nil
}

func (b *Bus) handleListActivatableNames(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return []string{}, nil
}

func (b *Bus) handleListQueuedOwners(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	owners, ok := b.peers.Names().WaitingList(registry.WellKnownName(name))
	if !ok {
		return nil, ErrNameHasNoOwner("Name %s is not owned by anyone. Take it!", name)
	}
	ret := make([]string, len(owners))
	for i, o := range owners {
		ret[i] = string(o)
	}
	return ret, nil
}

func (b *Bus) handleAddMatch(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var rule string
	if err := msg.Decoder().Value(ctx, &rule); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	r, err := matchrule.Parse(rule)
	if err != nil {
		return nil, ErrMatchRuleInvalid("%v", err)
	}
	peer, ferr := b.requirePeer(sender)
	if ferr != nil {
		return nil, ferr
	}
	peer.AddMatchRule(r)
	return nil, nil
}

func (b *Bus) handleRemoveMatch(ctx context.Context, sender registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var rule string
	if err := msg.Decoder().Value(ctx, &rule); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	r, err := matchrule.Parse(rule)
	if err != nil {
		return nil, ErrMatchRuleInvalid("%v", err)
	}
	peer, ferr := b.requirePeer(sender)
	if ferr != nil {
		return nil, ferr
	}
	if err := peer.RemoveMatchRule(r); err != nil {
		return nil, ErrMatchRuleNotFound("%v", err)
	}
	return nil, nil
}

func (b *Bus) resolvePeerByBusName(ctx context.Context, name string) (*peerWithCredentials, *Error) {
	var owner registry.UniqueName
	if len(name) > 0 && name[0] == ':' {
		owner = registry.UniqueName(name)
	} else {
		o, ok := b.peers.Names().Lookup(registry.WellKnownName(name))
		if !ok {
			return nil, ErrNameHasNoOwner("Name %s is not owned by anyone. Take it!", name)
		}
		owner = o
	}
	peer, ok := b.peers.Peer(owner)
	if !ok {
		return nil, ErrNameHasNoOwner("Name %s is not owned by anyone.", name)
	}
	return &peerWithCredentials{peer.UniqueName(), peer.Credentials()}, nil
}

func (b *Bus) handleGetConnectionCredentials(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	p, ferr := b.resolvePeerByBusName(ctx, name)
	if ferr != nil {
		return nil, ferr
	}
	out := map[string]dbus.Variant{}
	if p.creds.HasUnixUser {
		out["UnixUserID"] = dbus.Variant{Value: p.creds.UnixUser}
	}
	if p.creds.HasProcessID {
		out["ProcessID"] = dbus.Variant{Value: p.creds.ProcessID}
	}
	if p.creds.SecurityLabel != nil {
		out["LinuxSecurityLabel"] = dbus.Variant{Value: p.creds.SecurityLabel}
	}
	return out, nil
}

func (b *Bus) handleGetConnectionUnixUser(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	p, ferr := b.resolvePeerByBusName(ctx, name)
	if ferr != nil {
		return nil, ferr
	}
	if !p.creds.HasUnixUser {
		return nil, ErrFailed("Could not determine Unix user ID of %s", name)
	}
	return p.creds.UnixUser, nil
}

func (b *Bus) handleGetConnectionUnixProcessID(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	p, ferr := b.resolvePeerByBusName(ctx, name)
	if ferr != nil {
		return nil, ferr
	}
	if !p.creds.HasProcessID {
		return nil, ErrFailed("Could not determine process ID of %s", name)
	}
	return p.creds.ProcessID, nil
}

func (b *Bus) handleGetConnectionSELinuxSecurityContext(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var name string
	if err := msg.Decoder().Value(ctx, &name); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	p, ferr := b.resolvePeerByBusName(ctx, name)
	if ferr != nil {
		return nil, ferr
	}
	if p.creds.SecurityLabel == nil {
		return nil, ErrFailed("SELinux security context unknown for %s", name)
	}
	return p.creds.SecurityLabel, nil
}

func (b *Bus) handleGetID(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return b.guid, nil
}

func (b *Bus) handleStartServiceByName(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return nil, ErrNotSupported("Service activation not supported")
}

func (b *Bus) handleUpdateActivationEnvironment(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return nil, ErrNotSupported("Service activation not supported")
}

func (b *Bus) handleReloadConfig(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return nil, ErrNotSupported("No server configuration to reload.")
}

func (b *Bus) handlePing(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return nil, nil
}

func (b *Bus) handleGetMachineID(ctx context.Context, _ registry.UniqueName, _ *dbus.RawMessage) (any, *Error) {
	return b.guid, nil
}

// peerWithCredentials carries just what the GetConnection* handlers
// need, decoupling them from buspeer.Peer's full API surface.
type peerWithCredentials struct {
	unique registry.UniqueName
	creds  buspeer.Credentials
}
