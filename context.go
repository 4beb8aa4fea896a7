package dbus

import (
	"context"
	"errors"
	"os"
)

// senderContextKey is the context key that carries the sender of a
// DBus message.
type senderContextKey struct{}

// withContextSender augments ctx with DBus sender information.
func withContextSender(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender extracts the current DBus sender information from
// ctx, and reports whether any sender information was present.
//
// Sender information is available in [Marshaler] and [Unmarshaler]
// calls.
func ContextSender(ctx context.Context) (Interface, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return Interface{}, false
	}
	if ret, ok := v.(Interface); ok {
		return ret, true
	}
	return Interface{}, false
}

// headerContextKey is the context key that carries the message being
// dispatched and the Conn it arrived on (or is being written to).
type headerContextKey struct{}

type contextHeader struct {
	conn *Conn
	hdr  *header
}

// withContextHeader augments ctx with the message being processed, so
// that codec hooks and signal unmarshalers can reach back to the
// connection and the message's header fields.
func withContextHeader(ctx context.Context, c *Conn, hdr *header) context.Context {
	ctx = context.WithValue(ctx, headerContextKey{}, contextHeader{c, hdr})
	if hdr.Sender != "" {
		ctx = withContextSender(ctx, c.Peer(hdr.Sender).Object(hdr.Path).Interface(hdr.Interface))
	}
	return ctx
}

// ContextEmitter extracts the interface that emitted the message
// currently being dispatched, and reports whether any message
// information was present in ctx.
func ContextEmitter(ctx context.Context) (Interface, bool) {
	v := ctx.Value(headerContextKey{})
	if v == nil {
		return Interface{}, false
	}
	ch, ok := v.(contextHeader)
	if !ok || ch.conn == nil {
		return Interface{}, false
	}
	return ch.conn.Peer(ch.hdr.Sender).Object(ch.hdr.Path).Interface(ch.hdr.Interface), true
}

// callFlagsContextKey is the context key that carries the header flag
// bits to set on an outgoing method call.
type callFlagsContextKey struct{}

// contextCallFlags returns the header flags that call options have
// accumulated on ctx.
func contextCallFlags(ctx context.Context) byte {
	flags, _ := ctx.Value(callFlagsContextKey{}).(byte)
	return flags
}

func withContextCallFlag(ctx context.Context, flag byte) context.Context {
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|flag)
}

// CallOption adjusts the behavior of a single outgoing method call.
type CallOption interface {
	applyCall(ctx context.Context) context.Context
}

type callOptionFunc func(context.Context) context.Context

func (f callOptionFunc) applyCall(ctx context.Context) context.Context { return f(ctx) }

// applyCallOptions folds opts into ctx, for the call path to consume
// via contextCallFlags.
func applyCallOptions(ctx context.Context, opts []CallOption) context.Context {
	for _, o := range opts {
		ctx = o.applyCall(ctx)
	}
	return ctx
}

// WithNoAutoStart tells the bus not to launch an activatable service
// to handle this call, if the destination is not currently running.
func WithNoAutoStart() CallOption {
	return callOptionFunc(func(ctx context.Context) context.Context {
		return withContextCallFlag(ctx, 0x2)
	})
}

// WithInteractiveAuthorization tells the destination that the caller
// is prepared to wait for an interactive authorization prompt, should
// the call require privileges the caller lacks.
func WithInteractiveAuthorization() CallOption {
	return callOptionFunc(func(ctx context.Context) context.Context {
		return withContextCallFlag(ctx, 0x4)
	})
}

// filesContextKey is the context key that carries file descriptors
// received with a DBus message.
type filesContextKey struct{}

// withContextFiles augments ctx with message files.
func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

// contextFile returns the idx-th message file in ctx.
//
// The *os.File decoder (newFileDecoder) is the only consumer of this
// API.
func contextFile(ctx context.Context, idx uint32) *os.File {
	v := ctx.Value(filesContextKey{})
	if v == nil {
		return nil
	}
	fs, ok := v.([]*os.File)
	if !ok {
		return nil
	}
	if idx < 0 || int(idx) >= len(fs) {
		return nil
	}

	return fs[int(idx)]
}

// writeFilesContextKey is the context key that carries file
// descriptors to be sent with a DBus message.
type writeFilesContextKey struct{}

// withContextPutFiles augments ctx with an output slice for files to be
// sent with a message.
func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, writeFilesContextKey{}, files)
}

// contextPutFile adds file to the context's outgoing files buffer.
//
// The *os.File encoder (newFileEncoder) is the only consumer of this
// API.
func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	v := ctx.Value(writeFilesContextKey{})
	if v == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	fsp, ok := v.(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}

	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}
