package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Wire layout, little-endian throughout:
//
//	Request         = tag:u8 (handle:u64 | addrLen:i32 addr) op:i32 len:i32 payload
//	RequestEnvelope = correlationId:i32 Request
//	Response        = correlationId:i32 status:u8 (len:i32 payload | kindLen:i32 kind msgLen:i32 msg)
//	Signal          = messageId:i32 len:i32 payload binLen:i32 binary
//	Submit          = replyPort:i64 RequestEnvelope

// ErrMalformed is returned for input that does not decode to a wire shape.
var ErrMalformed = errors.New("wire: malformed message")

const (
	statusOK    byte = 0
	statusFault byte = 1
)

var le = binary.LittleEndian

func encode(fn func(b *bytebufferpool.ByteBuffer) error) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := fn(buf); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

func putI32(b *bytebufferpool.ByteBuffer, v int32) {
	b.B = le.AppendUint32(b.B, uint32(v))
}

func putI64(b *bytebufferpool.ByteBuffer, v int64) {
	b.B = le.AppendUint64(b.B, uint64(v))
}

func putBytes(b *bytebufferpool.ByteBuffer, p []byte) error {
	if err := checkLen(len(p)); err != nil {
		return err
	}
	putI32(b, int32(len(p)))
	_, _ = b.Write(p)
	return nil
}

func putRequest(b *bytebufferpool.ByteBuffer, r Request) error {
	_ = b.WriteByte(byte(r.Target.Kind))
	switch r.Target.Kind {
	case TargetHandle:
		b.B = le.AppendUint64(b.B, uint64(r.Target.Handle))
	case TargetAddress:
		if err := putBytes(b, []byte(r.Target.Address)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown target kind %d", ErrMalformed, r.Target.Kind)
	}
	putI32(b, r.Operation)
	return putBytes(b, r.Payload.Bytes())
}

// EncodeRequest returns the wire form of r.
func EncodeRequest(r Request) ([]byte, error) {
	return encode(func(b *bytebufferpool.ByteBuffer) error {
		return putRequest(b, r)
	})
}

// EncodeEnvelope returns the wire form of e.
func EncodeEnvelope(e RequestEnvelope) ([]byte, error) {
	return encode(func(b *bytebufferpool.ByteBuffer) error {
		putI32(b, e.CorrelationID)
		return putRequest(b, e.Request)
	})
}

// EncodeSubmit returns the wire form of an envelope addressed to replyPort.
func EncodeSubmit(replyPort int64, e RequestEnvelope) ([]byte, error) {
	return encode(func(b *bytebufferpool.ByteBuffer) error {
		putI64(b, replyPort)
		putI32(b, e.CorrelationID)
		return putRequest(b, e.Request)
	})
}

// EncodeResponse returns the wire form of r.
func EncodeResponse(r Response) ([]byte, error) {
	return encode(func(b *bytebufferpool.ByteBuffer) error {
		putI32(b, r.CorrelationID)
		if r.Fault != nil {
			_ = b.WriteByte(statusFault)
			if err := putBytes(b, []byte(r.Fault.Kind)); err != nil {
				return err
			}
			return putBytes(b, []byte(r.Fault.Message))
		}
		_ = b.WriteByte(statusOK)
		return putBytes(b, r.Payload.Bytes())
	})
}

// EncodeSignal returns the wire form of s.
func EncodeSignal(s Signal) ([]byte, error) {
	return encode(func(b *bytebufferpool.ByteBuffer) error {
		putI32(b, s.MessageID)
		if err := putBytes(b, s.Payload.Bytes()); err != nil {
			return err
		}
		return putBytes(b, s.Binary.Bytes())
	})
}

// EncodePort returns the 8-byte wire form of a port id.
func EncodePort(portID int64) []byte {
	return le.AppendUint64(make([]byte, 0, 8), uint64(portID))
}

// EncodeHandle returns the 8-byte wire form of a handle.
func EncodeHandle(h HandleID) []byte {
	return EncodeUint64(uint64(h))
}

// EncodeUint64 returns the 8-byte wire form of v.
func EncodeUint64(v uint64) []byte {
	return le.AppendUint64(make([]byte, 0, 8), v)
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.b)-r.off < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.b)-r.off)
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) i32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(le.Uint32(r.b[r.off:]))
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := le.Uint64(r.b[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.i32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrMalformed, n)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *reader) done() error {
	if r.off != len(r.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b)-r.off)
	}
	return nil
}

func (r *reader) request() (Request, error) {
	var req Request
	tag, err := r.u8()
	if err != nil {
		return req, err
	}
	switch TargetKind(tag) {
	case TargetHandle:
		h, err := r.u64()
		if err != nil {
			return req, err
		}
		req.Target = HandleTarget(HandleID(h))
	case TargetAddress:
		addr, err := r.bytes()
		if err != nil {
			return req, err
		}
		req.Target = AddressTarget(string(addr))
	default:
		return req, fmt.Errorf("%w: unknown target tag %d", ErrMalformed, tag)
	}
	if req.Operation, err = r.i32(); err != nil {
		return req, err
	}
	payload, err := r.bytes()
	if err != nil {
		return req, err
	}
	req.Payload = TakeByteBuffer(payload)
	return req, nil
}

// DecodeRequest parses the wire form of a Request.
func DecodeRequest(b []byte) (Request, error) {
	r := &reader{b: b}
	req, err := r.request()
	if err != nil {
		return Request{}, err
	}
	return req, r.done()
}

// DecodeEnvelope parses the wire form of a RequestEnvelope.
func DecodeEnvelope(b []byte) (RequestEnvelope, error) {
	r := &reader{b: b}
	return r.envelope()
}

func (r *reader) envelope() (RequestEnvelope, error) {
	id, err := r.i32()
	if err != nil {
		return RequestEnvelope{}, err
	}
	req, err := r.request()
	if err != nil {
		return RequestEnvelope{}, err
	}
	return RequestEnvelope{CorrelationID: id, Request: req}, r.done()
}

// DecodeSubmit parses the wire form produced by EncodeSubmit.
func DecodeSubmit(b []byte) (int64, RequestEnvelope, error) {
	r := &reader{b: b}
	port, err := r.u64()
	if err != nil {
		return 0, RequestEnvelope{}, err
	}
	env, err := r.envelope()
	if err != nil {
		return 0, RequestEnvelope{}, err
	}
	return int64(port), env, nil
}

// DecodeResponse parses the wire form of a Response.
func DecodeResponse(b []byte) (Response, error) {
	r := &reader{b: b}
	var resp Response
	var err error
	if resp.CorrelationID, err = r.i32(); err != nil {
		return Response{}, err
	}
	status, err := r.u8()
	if err != nil {
		return Response{}, err
	}
	switch status {
	case statusOK:
		payload, err := r.bytes()
		if err != nil {
			return Response{}, err
		}
		resp.Payload = TakeByteBuffer(payload)
	case statusFault:
		kind, err := r.bytes()
		if err != nil {
			return Response{}, err
		}
		msg, err := r.bytes()
		if err != nil {
			return Response{}, err
		}
		resp.Fault = &Fault{Kind: string(kind), Message: string(msg)}
	default:
		return Response{}, fmt.Errorf("%w: unknown response status %d", ErrMalformed, status)
	}
	return resp, r.done()
}

// DecodeSignal parses the wire form of a Signal.
func DecodeSignal(b []byte) (Signal, error) {
	r := &reader{b: b}
	id, err := r.i32()
	if err != nil {
		return Signal{}, err
	}
	payload, err := r.bytes()
	if err != nil {
		return Signal{}, err
	}
	attachment, err := r.bytes()
	if err != nil {
		return Signal{}, err
	}
	return Signal{MessageID: id, Payload: TakeByteBuffer(payload), Binary: TakeByteBuffer(attachment)}, r.done()
}

// DecodePort parses an 8-byte port id.
func DecodePort(b []byte) (int64, error) {
	r := &reader{b: b}
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return int64(v), r.done()
}

// DecodeUint64 parses the wire form produced by EncodeUint64.
func DecodeUint64(b []byte) (uint64, error) {
	r := &reader{b: b}
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return v, r.done()
}

// DecodeHandle parses an 8-byte handle.
func DecodeHandle(b []byte) (HandleID, error) {
	r := &reader{b: b}
	v, err := r.u64()
	if err != nil {
		return InvalidHandle, err
	}
	return HandleID(v), r.done()
}
