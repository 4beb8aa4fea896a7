package config

// Policy is the loaded policy tree: an ordered list of contexts, each
// scoping a list of rules to either the default context, a specific
// user, a specific group, or the mandatory (always-applied) context.
// Grounded on original_source/src/config/policy.rs's Policy enum.
// Evaluating these rules against a routed message is explicitly out of
// scope (spec.md §1); the structures exist so a loader has somewhere
// typed to put what it parses, and so internal/busserver.Bus.EvaluatePolicy
// has a concrete argument type.
type Policy struct {
	Contexts []PolicyContext
}

// PolicyContextKind selects which of the four policy.rs variants a
// PolicyContext represents.
type PolicyContextKind int

const (
	// ContextDefault applies to every connection that matches no more
	// specific context.
	ContextDefault PolicyContextKind = iota
	// ContextMandatory applies unconditionally, stacked on top of
	// whatever other context matched.
	ContextMandatory
	// ContextUser applies only to connections authenticated as User.
	ContextUser
	// ContextGroup applies only to connections whose user is a member
	// of Group.
	ContextGroup
)

// PolicyContext is one <policy> element: a kind, an optional
// user/group selector, and the rules it contributes.
type PolicyContext struct {
	Kind  PolicyContextKind
	User  string // set when Kind == ContextUser
	Group string // set when Kind == ContextGroup
	Rules []Rule
}

// Access is whether a rule allows or denies the operation it
// describes.
type Access int

const (
	Allow Access = iota
	Deny
)

// Name matches a well-known bus name, either exactly, by prefix, or
// unconditionally. Grounded on original_source/src/config/rule.rs's
// Name enum (used by both NameOwnership.own and SendOperation.destination).
type Name struct {
	Any    bool
	Exact  string
	Prefix string
}

// Rule is one <allow>/<deny> element: an access decision paired with
// exactly one operation kind. Grounded on
// original_source/src/config/rule.rs's Rule = (Access, Operation).
type Rule struct {
	Access    Access
	Connect   *ConnectOperation
	Own       *NameOwnership
	Send      *SendOperation
	Receive   *ReceiveOperation
}

// ConnectOperation restricts which user/group may connect to the bus
// at all.
type ConnectOperation struct {
	User  string
	Group string
}

// NameOwnership restricts which well-known names a connection may
// successfully RequestName.
type NameOwnership struct {
	Own Name
}

// SendOperation restricts what a connection may send: by destination,
// interface, member, path, error name, message type, or broadcast-ness.
type SendOperation struct {
	Broadcast       *bool
	Destination     Name
	ErrorName       string
	Interface       string
	Member          string
	Path            string
	Type            string
	RequestedReply  *bool
}

// ReceiveOperation restricts what a connection may be delivered: by
// sender, interface, member, path, error name, or message type.
type ReceiveOperation struct {
	ErrorName      string
	Interface      string
	Member         string
	Path           string
	Sender         string
	Type           string
	RequestedReply *bool
}

// Decision is the result of evaluating a Policy against an attempted
// operation.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
)

// EvalContext describes one thing a connection is attempting to do,
// for Policy.Evaluate to judge against the loaded rules: taking the
// bus object path, trying to own a name, or sending/receiving a
// message. Concrete policy evaluation is out of scope; the fields
// exist so a real evaluator has somewhere typed to read from.
type EvalContext struct {
	User      string
	Operation string
	Name      string
}

// Evaluate is the policy tree's interface hook, called out by
// internal/busserver.Bus.EvaluatePolicy. It always returns
// DecisionAllow: this repo carries the typed policy tree a
// configuration loader would populate, but rule evaluation itself is
// an external collaborator's job.
func (p Policy) Evaluate(EvalContext) Decision {
	return DecisionAllow
}
