package wire

import "fmt"

// HandleID is the transferable value of an opaque handle.
// It is pointer-sized on the wire and never reused within a process.
type HandleID uint64

// InvalidHandle is never returned by a handle registry.
const InvalidHandle HandleID = 0

// ReportMessageID is the signal id reserved for diagnostic reports.
const ReportMessageID int32 = -1

// TargetKind tags which form of Target is in use.
type TargetKind uint8

const (
	TargetHandle TargetKind = iota
	TargetAddress
)

// Target identifies the native object or address a request is aimed at.
type Target struct {
	Kind    TargetKind
	Handle  HandleID
	Address string
}

// HandleTarget returns a Target referencing h.
func HandleTarget(h HandleID) Target {
	return Target{Kind: TargetHandle, Handle: h}
}

// AddressTarget returns a Target referencing addr.
func AddressTarget(addr string) Target {
	return Target{Kind: TargetAddress, Address: addr}
}

func (t Target) String() string {
	if t.Kind == TargetAddress {
		return "addr:" + t.Address
	}
	return fmt.Sprintf("handle:%d", t.Handle)
}

// Request is created by the managed caller per call and consumed once.
type Request struct {
	Target    Target
	Operation int32
	Payload   ByteBuffer
}

// RequestEnvelope carries the caller-assigned correlation id of a request.
type RequestEnvelope struct {
	CorrelationID int32
	Request       Request
}

// Fault is the failure side of a Response.
type Fault struct {
	Kind    string
	Message string
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Kind
	}
	return f.Kind + ": " + f.Message
}

// Response is delivered exactly once per RequestEnvelope.
// Fault is nil on success.
type Response struct {
	CorrelationID int32
	Payload       ByteBuffer
	Fault         *Fault
}

// OK reports whether the response carries a result.
func (r Response) OK() bool { return r.Fault == nil }

// Success builds a successful response.
func Success(correlationID int32, payload []byte) Response {
	return Response{CorrelationID: correlationID, Payload: TakeByteBuffer(payload)}
}

// Failure builds an error response.
func Failure(correlationID int32, kind, message string) Response {
	return Response{CorrelationID: correlationID, Fault: &Fault{Kind: kind, Message: message}}
}

// Signal is an unsolicited native-to-managed message. Payload carries the
// encoded message and Binary an optional raw attachment sent alongside it.
type Signal struct {
	MessageID int32
	Payload   ByteBuffer
	Binary    ByteBuffer
}
