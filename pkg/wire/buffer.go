// Package wire defines the shapes that cross the bridge between the managed
// runtime and the native core, and their bit-exact binary encoding.
//
// Every byte buffer is a (length, bytes) pair: the int32 length is
// authoritative and no terminator is implied.
package wire

import (
	"errors"
	"math"
)

// MaxBufferLen is the largest payload a ByteBuffer can describe on the wire.
const MaxBufferLen = math.MaxInt32

// ErrBufferTooLarge is returned when a payload does not fit an int32 length.
var ErrBufferTooLarge = errors.New("wire: buffer exceeds int32 length")

// ByteBuffer owns a binary payload crossing the boundary.
// The zero value is an empty buffer.
type ByteBuffer struct {
	data []byte
}

// NewByteBuffer copies b into a new ByteBuffer.
func NewByteBuffer(b []byte) ByteBuffer {
	if len(b) == 0 {
		return ByteBuffer{}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return ByteBuffer{data: data}
}

// TakeByteBuffer wraps b without copying. The caller must not touch b afterwards.
func TakeByteBuffer(b []byte) ByteBuffer {
	return ByteBuffer{data: b}
}

// Bytes returns the payload. The slice is owned by the buffer.
func (b ByteBuffer) Bytes() []byte { return b.data }

// Len returns the authoritative payload length.
func (b ByteBuffer) Len() int32 { return int32(len(b.data)) }

// IsEmpty reports whether the buffer carries no bytes.
func (b ByteBuffer) IsEmpty() bool { return len(b.data) == 0 }

// String returns the payload as a string.
func (b ByteBuffer) String() string { return string(b.data) }

func checkLen(n int) error {
	if n > MaxBufferLen {
		return ErrBufferTooLarge
	}
	return nil
}
