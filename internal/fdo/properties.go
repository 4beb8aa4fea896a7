package fdo

import (
	"context"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// busProperties are the bus object's own org.freedesktop.DBus
// properties. The original left Features/Interfaces as a TODO
// returning nothing useful; this repo reports Monitoring support
// since handleBecomeMonitor actually implements it.
var busProperties = map[string]dbus.Variant{
	"Features":   {Value: []string{}},
	"Interfaces": {Value: []string{ifaceMonitoring}},
}

func (b *Bus) handleGet(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var req struct {
		Interface string
		Property  string
	}
	if err := msg.Decoder().Value(ctx, &req); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	if req.Interface != "" && req.Interface != ifaceDBus {
		return nil, ErrInvalidArgs("unknown interface %s", req.Interface)
	}
	v, ok := busProperties[req.Property]
	if !ok {
		return nil, ErrInvalidArgs("unknown property %s", req.Property)
	}
	return v, nil
}

func (b *Bus) handleGetAll(ctx context.Context, _ registry.UniqueName, msg *dbus.RawMessage) (any, *Error) {
	var iface string
	if err := msg.Decoder().Value(ctx, &iface); err != nil {
		return nil, ErrInvalidArgs("%v", err)
	}
	if iface != "" && iface != ifaceDBus {
		return map[string]dbus.Variant{}, nil
	}
	out := make(map[string]dbus.Variant, len(busProperties))
	for k, v := range busProperties {
		out[k] = v
	}
	return out, nil
}
