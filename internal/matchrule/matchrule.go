// Package matchrule implements the D-Bus match rule grammar used by
// AddMatch/RemoveMatch: parsing a rule string, canonicalizing it for
// set-membership equality, and evaluating it against a routed
// message.
//
// Matching is the two-step process the core's design calls for: a
// rule's non-name fields (type, interface, member, path, path
// namespace, arg_n, arg_path_n, arg0namespace) are checked directly
// against the message header and body, while sender/destination
// fields that name a well-known name are resolved through a
// [NameResolver] (in practice, the bus's name registry) before
// comparison. Unique-name sender/destination fields are compared
// directly, no resolution needed.
package matchrule

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	dbus "github.com/dbus2/busd-sub000"
	"github.com/dbus2/busd-sub000/internal/registry"
)

// ErrNotFound is returned by [Set.Remove] when no equal rule exists
// in the set.
var ErrNotFound = errors.New("match rule not found")

// NameResolver resolves a well-known name to the unique name that
// currently owns it, the same contract [registry.Registry] implements.
type NameResolver interface {
	ResolvesTo(name string, unique registry.UniqueName) bool
}

// Rule is a parsed match rule, as accepted by AddMatch/RemoveMatch.
type Rule struct {
	key string // canonical key=value string, defines equality

	hasType bool
	typ     dbus.MessageType

	sender      string
	destination string
	iface       string
	member      string

	hasPath bool
	path    dbus.ObjectPath

	hasPathNamespace bool
	pathNamespace    dbus.ObjectPath

	argStr  map[int]string
	argPath map[int]string

	hasArg0Namespace bool
	arg0Namespace    string

	eavesdrop bool
}

// String returns the rule in canonical AddMatch string form.
func (r *Rule) String() string { return r.key }

var typeNames = map[string]dbus.MessageType{
	"method_call":   dbus.MessageCall,
	"method_return": dbus.MessageReturn,
	"error":         dbus.MessageError,
	"signal":        dbus.MessageSignal,
}

var typeStrings = map[dbus.MessageType]string{
	dbus.MessageCall:   "method_call",
	dbus.MessageReturn: "method_return",
	dbus.MessageError:  "error",
	dbus.MessageSignal: "signal",
}

// Parse parses a match rule string of the form
// "type='signal',interface='org.foo.Bar',...".
func Parse(s string) (*Rule, error) {
	r := &Rule{argStr: map[int]string{}, argPath: map[int]string{}}

	for _, field := range splitTopLevel(s) {
		if field == "" {
			continue
		}
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("match rule field %q has no '='", field)
		}
		val, err := unquote(v)
		if err != nil {
			return nil, fmt.Errorf("match rule field %q: %w", field, err)
		}

		switch {
		case k == "type":
			typ, ok := typeNames[val]
			if !ok {
				return nil, fmt.Errorf("unknown match rule type %q", val)
			}
			r.hasType, r.typ = true, typ
		case k == "sender":
			r.sender = val
		case k == "destination":
			r.destination = val
		case k == "interface":
			r.iface = val
		case k == "member":
			r.member = val
		case k == "path":
			r.hasPath, r.path = true, dbus.ObjectPath(val)
		case k == "path_namespace":
			r.hasPathNamespace, r.pathNamespace = true, dbus.ObjectPath(val)
		case k == "arg0namespace":
			r.hasArg0Namespace, r.arg0Namespace = true, val
		case k == "eavesdrop":
			r.eavesdrop = val == "true"
		case strings.HasPrefix(k, "arg") && strings.HasSuffix(k, "path"):
			i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(k, "arg"), "path"))
			if err != nil || i < 0 || i > 63 {
				return nil, fmt.Errorf("invalid match rule field %q", k)
			}
			r.argPath[i] = val
		case strings.HasPrefix(k, "arg"):
			i, err := strconv.Atoi(strings.TrimPrefix(k, "arg"))
			if err != nil || i < 0 || i > 63 {
				return nil, fmt.Errorf("invalid match rule field %q", k)
			}
			r.argStr[i] = val
		default:
			return nil, fmt.Errorf("unknown match rule field %q", k)
		}
	}

	r.key = r.canonicalize()
	return r, nil
}

// canonicalize reconstructs the rule's string form with fields in a
// fixed order, so that set membership doesn't depend on the order the
// caller happened to write fields in.
func (r *Rule) canonicalize() string {
	var b strings.Builder
	kv := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(v, "'", `'\''`))
		b.WriteByte('\'')
	}
	if r.hasType {
		kv("type", typeStrings[r.typ])
	}
	if r.sender != "" {
		kv("sender", r.sender)
	}
	if r.iface != "" {
		kv("interface", r.iface)
	}
	if r.member != "" {
		kv("member", r.member)
	}
	if r.hasPath {
		kv("path", r.path.String())
	}
	if r.hasPathNamespace {
		kv("path_namespace", r.pathNamespace.String())
	}
	if r.destination != "" {
		kv("destination", r.destination)
	}
	for _, i := range sortedKeys(r.argStr) {
		kv(fmt.Sprintf("arg%d", i), r.argStr[i])
	}
	for _, i := range sortedKeys(r.argPath) {
		kv(fmt.Sprintf("arg%dpath", i), r.argPath[i])
	}
	if r.hasArg0Namespace {
		kv("arg0namespace", r.arg0Namespace)
	}
	if r.eavesdrop {
		kv("eavesdrop", "true")
	}
	return b.String()
}

func sortedKeys(m map[int]string) []int {
	ks := make([]int, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Ints(ks)
	return ks
}

// splitTopLevel splits s on commas that are not inside a quoted
// value.
func splitTopLevel(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && (i == 0 || s[i-1] != '\\'):
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// unquote strips the surrounding single quotes from a match rule
// value, undoing the '\'' escaping used to embed a literal quote.
// Unquoted values are accepted as-is; the match rule grammar makes
// quoting optional and real clients send both forms.
func unquote(s string) (string, error) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'"), nil
	}
	if strings.Contains(s, "'") {
		return "", fmt.Errorf("value %q has unbalanced quoting", s)
	}
	return s, nil
}

func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// Matches reports whether msg satisfies the rule.
func (r *Rule) Matches(msg *dbus.RawMessage, resolver NameResolver) bool {
	hdr := &msg.Header

	if r.hasType && hdr.Type != r.typ {
		return false
	}
	if r.iface != "" && hdr.Interface != r.iface {
		return false
	}
	if r.member != "" && hdr.Member != r.member {
		return false
	}
	if r.hasPath && hdr.Path != r.path {
		return false
	}
	if r.hasPathNamespace && hdr.Path != r.pathNamespace && !hdr.Path.IsChildOf(r.pathNamespace) {
		return false
	}
	if r.sender != "" && !matchesName(r.sender, hdr.Sender, resolver) {
		return false
	}
	if r.destination != "" && !matchesName(r.destination, hdr.Destination, resolver) {
		return false
	}

	if len(r.argStr) == 0 && len(r.argPath) == 0 && !r.hasArg0Namespace {
		return true
	}

	args, err := decodeArgs(msg)
	if err != nil {
		// A rule whose arg_n fields can't be evaluated against this
		// message's body just doesn't match it; it never aborts
		// delivery to other interested peers.
		return false
	}
	for i, want := range r.argStr {
		got, ok := stringArg(args, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range r.argPath {
		got, ok := stringArg(args, i)
		if !ok {
			return false
		}
		if got != want && !dbus.ObjectPath(got).IsChildOf(dbus.ObjectPath(want)) {
			return false
		}
	}
	if r.hasArg0Namespace {
		got, ok := stringArg(args, 0)
		if !ok {
			return false
		}
		if got != r.arg0Namespace && !strings.HasPrefix(got, r.arg0Namespace+".") {
			return false
		}
	}
	return true
}

func matchesName(want, got string, resolver NameResolver) bool {
	if isUniqueName(want) {
		return want == got
	}
	return resolver.ResolvesTo(want, registry.UniqueName(got))
}

// decodeArgs decodes msg's body into a slice of per-argument values,
// using the body's own wire signature to build the decode target
// dynamically: no caller-supplied type is needed, since the rule
// evaluator only ever needs to compare string-shaped arguments.
func decodeArgs(msg *dbus.RawMessage) ([]any, error) {
	t := msg.Header.Signature.Type()
	if t == nil {
		return nil, nil
	}
	v := reflect.New(t)
	if err := msg.Decoder().Value(context.Background(), v.Interface()); err != nil {
		return nil, err
	}
	ev := v.Elem()
	if ev.Kind() != reflect.Struct {
		return []any{ev.Interface()}, nil
	}
	args := make([]any, ev.NumField())
	for i := range args {
		args[i] = ev.Field(i).Interface()
	}
	return args, nil
}

func stringArg(args []any, i int) (string, bool) {
	if i < 0 || i >= len(args) {
		return "", false
	}
	switch v := args[i].(type) {
	case string:
		return v, true
	case dbus.ObjectPath:
		return v.String(), true
	default:
		return "", false
	}
}

// Set is a per-peer collection of match rules.
type Set struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewSet returns an empty match rule set.
func NewSet() *Set {
	return &Set{rules: map[string]*Rule{}}
}

// Add adds rule to the set. Adding an equal rule twice is a no-op.
func (s *Set) Add(r *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.key] = r
}

// Remove removes the first rule equal to r. It returns [ErrNotFound]
// if no such rule exists.
func (s *Set) Remove(r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.key]; !ok {
		return ErrNotFound
	}
	delete(s.rules, r.key)
	return nil
}

// IsEmpty reports whether the set has no rules.
func (s *Set) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules) == 0
}

// Matches reports whether msg matches any rule in the set.
func (s *Set) Matches(msg *dbus.RawMessage, resolver NameResolver) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Matches(msg, resolver) {
			return true
		}
	}
	return false
}
