package dbus

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var (
	signalsMu   sync.Mutex
	signalTypes = map[string]reflect.Type{
		"org.freedesktop.DBus.NameOwnerChanged":                reflect.TypeFor[NameOwnerChanged](),
		"org.freedesktop.DBus.NameLost":                        reflect.TypeFor[NameLost](),
		"org.freedesktop.DBus.NameAcquired":                    reflect.TypeFor[NameAcquired](),
		"org.freedesktop.DBus.ActivatableServicesChanged":      reflect.TypeFor[ActivatableServicesChanged](),
		"org.freedesktop.DBus.Properties.PropertiesChanged":    reflect.TypeFor[PropertiesChanged](),
		"org.freedesktop.DBus.ObjectManager.InterfacesAdded":   reflect.TypeFor[InterfacesAdded](),
		"org.freedesktop.DBus.ObjectManager.InterfacesRemoved": reflect.TypeFor[InterfacesRemoved](),
	}
)

func RegisterSignalType[T any](interfaceName, signalName string) {
	name := interfaceName + "." + signalName
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for signal %s: %w", t, name, err))
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	if prev := signalTypes[name]; prev != nil {
		panic(fmt.Errorf("duplicate signal type registration for %s, existing registration %s", name, prev))
	}
	signalTypes[name] = t
}

// signalTypeFor returns the registered Go type for the given signal,
// or nil if none is registered.
func signalTypeFor(interfaceName, signalName string) reflect.Type {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	return signalTypes[interfaceName+"."+signalName]
}

// signalNameFor is the reverse lookup: the interface and member under
// which t was registered.
func signalNameFor(t reflect.Type) (interfaceMember, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	for name, st := range signalTypes {
		if st != t {
			continue
		}
		i := strings.LastIndexByte(name, '.')
		return interfaceMember{name[:i], name[i+1:]}, true
	}
	return interfaceMember{}, false
}

var (
	propsMu   sync.Mutex
	propTypes = map[string]reflect.Type{}
)

// RegisterPropertyChangeType associates a Go type with an interface
// property, so that property-change notifications for it can be
// delivered to watchers as typed values rather than raw variants.
func RegisterPropertyChangeType[T any](interfaceName, propertyName string) {
	name := interfaceName + "." + propertyName
	t := reflect.TypeFor[T]()
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for property %s: %w", t, name, err))
	}
	propsMu.Lock()
	defer propsMu.Unlock()
	if prev := propTypes[name]; prev != nil {
		panic(fmt.Errorf("duplicate property type registration for %s, existing registration %s", name, prev))
	}
	propTypes[name] = t
}

// propTypeFor returns the registered Go type for the given property,
// or nil if none is registered.
func propTypeFor(interfaceName, propertyName string) reflect.Type {
	propsMu.Lock()
	defer propsMu.Unlock()
	return propTypes[interfaceName+"."+propertyName]
}

