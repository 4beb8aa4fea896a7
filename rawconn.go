package dbus

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dbus2/busd-sub000/fragments"
	"github.com/dbus2/busd-sub000/transport"
)

// RawHeader is the decoded form of a DBus message header.
//
// It is exported so that server-side code (bus implementations) can
// inspect and forward message headers without needing access to the
// rest of the client-oriented [Conn] machinery.
type RawHeader = header

// MessageType identifies the kind of a DBus message.
type MessageType = msgType

// The four DBus message types, exported for server use.
const (
	MessageCall   MessageType = msgTypeCall
	MessageReturn MessageType = msgTypeReturn
	MessageError  MessageType = msgTypeError
	MessageSignal MessageType = msgTypeSignal
)

// RawMessage is a DBus message whose body has not been unmarshalled.
//
// A bus implementation routes messages between peers without ever
// needing to understand their bodies: it reads a header and a span of
// undecoded body bytes (plus any attached file descriptors), optionally
// rewrites header fields, and forwards the result unchanged. RawMessage
// is the unit of work for that kind of code.
type RawMessage struct {
	// Header is the message's decoded header.
	Header RawHeader
	// Order is the byte order the message was decoded with. Re-encoding
	// the header for forwarding must use the same order, since the
	// body bytes are not re-encoded and must match.
	Order fragments.ByteOrder
	// Body is the raw, still-encoded message body.
	Body []byte
	// Files holds any file descriptors that arrived as ancillary data
	// alongside this message.
	Files []*os.File
}

// Decoder returns a decoder over the message body, for callers that do
// want to inspect (not just forward) the body.
func (m *RawMessage) Decoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.Order,
		Mapper: mapperDecoderFor,
		In:     bytes.NewReader(m.Body),
	}
}

// ReadRawMessage reads one complete DBus message from t without
// unmarshalling its body.
func ReadRawMessage(t transport.Transport) (*RawMessage, error) {
	dec := fragments.Decoder{
		Order:  fragments.NativeEndian,
		Mapper: mapperDecoderFor,
		In:     t,
	}
	var hdr header
	if err := dec.Value(context.Background(), &hdr); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(t, int64(hdr.Length)))
	if err != nil {
		return nil, err
	}
	files, err := t.GetFiles(int(hdr.NumFDs))
	if err != nil {
		return nil, err
	}
	return &RawMessage{
		Header: hdr,
		Order:  dec.Order,
		Body:   body,
		Files:  files,
	}, nil
}

// EncodeBody encodes v as a DBus message body, returning its wire
// signature and the encoded bytes.
//
// It is the server-side counterpart of the body-encoding half of
// [Conn.writeMsg]: code that builds reply or signal bodies outside of
// a [Conn] (a bus implementation, say) needs the same signature
// derivation and encoder setup, without the rest of that method's
// call-bookkeeping.
func EncodeBody(ctx context.Context, v any) (Signature, []byte, error) {
	if v == nil {
		return Signature{}, nil, nil
	}
	sig, err := SignatureOf(v)
	if err != nil {
		return Signature{}, nil, err
	}
	sig = sig.asMsgBody()
	enc := fragments.Encoder{Order: fragments.LittleEndian, Mapper: mapperEncoderFor}
	if err := enc.Value(ctx, v); err != nil {
		return Signature{}, nil, err
	}
	return sig, enc.Out, nil
}

// WriteRawMessage encodes hdr and writes it to t, followed by the
// pre-encoded body bytes and any attached files.
//
// hdr.Length, hdr.Signature and hdr.NumFDs must already be consistent
// with body and files; WriteRawMessage does not recompute them, so
// that a header can be rewritten (e.g. its Sender field) without
// touching the body it describes. The header is re-encoded in the
// byte order hdr itself records, which must be the order body was
// encoded with.
func WriteRawMessage(t transport.Transport, hdr *RawHeader, body []byte, files []*os.File) error {
	enc := fragments.Encoder{Order: hdr.Order.Order(), Mapper: mapperEncoderFor}
	if err := enc.Value(context.Background(), hdr); err != nil {
		return err
	}
	if _, err := t.WriteWithFiles(enc.Out, files); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := t.Write(body); err != nil {
			return err
		}
	}
	return nil
}
