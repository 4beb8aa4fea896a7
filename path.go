package dbus

import (
	"context"
	"reflect"
	"strings"

	"github.com/dbus2/busd-sub000/fragments"
)

// ObjectPath is a DBus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

// String returns the path as a plain string.
func (o ObjectPath) String() string {
	return string(o)
}

// Clean returns o with empty path elements collapsed, so that
// "//a//b/" becomes "/a/b". The root path is returned as "/".
func (o ObjectPath) Clean() ObjectPath {
	parts := strings.Split(string(o), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return ObjectPath("/" + strings.Join(kept, "/"))
}

// IsChildOf reports whether o names parent itself, or an object
// nested under it.
func (o ObjectPath) IsChildOf(parent ObjectPath) bool {
	o, parent = o.Clean(), parent.Clean()
	if parent == "/" {
		return true
	}
	return o == parent || strings.HasPrefix(string(o), string(parent)+"/")
}

func (ObjectPath) AlignDBus() int { return 4 }

var objectPathSignature = mkSignature(reflect.TypeFor[ObjectPath]())

func (ObjectPath) SignatureDBus() Signature { return objectPathSignature }

func (o ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.String(string(o.Clean()))
	return nil
}

func (o *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	*o = ObjectPath(s)
	return nil
}
