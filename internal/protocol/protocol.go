// Package protocol defines the replication message vocabulary and its
// binary encoding: a one-byte message id followed by fixed-width
// little-endian fields, with variable-size payloads length-prefixed.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type MessageID uint8

const (
	// Clock synchronization, reliable channel.
	MsgPingPong MessageID = iota + 1
	MsgSynchronize
	MsgSynchronizeAck

	// Clock drift correction, unreliable channel.
	MsgClock

	// Object lifecycle and deltas.
	MsgAddObjects
	MsgRemoveObjects
	MsgUpdateObjectsReliable
	MsgUpdateObjectsUnreliable

	// Client observations, unreliable channel.
	MsgObjectsFeedbackUnreliable
)

func (id MessageID) String() string {
	switch id {
	case MsgPingPong:
		return "PingPong"
	case MsgSynchronize:
		return "Synchronize"
	case MsgSynchronizeAck:
		return "SynchronizeAck"
	case MsgClock:
		return "Clock"
	case MsgAddObjects:
		return "AddObjects"
	case MsgRemoveObjects:
		return "RemoveObjects"
	case MsgUpdateObjectsReliable:
		return "UpdateObjectsReliable"
	case MsgUpdateObjectsUnreliable:
		return "UpdateObjectsUnreliable"
	case MsgObjectsFeedbackUnreliable:
		return "ObjectsFeedbackUnreliable"
	default:
		return fmt.Sprintf("MessageID(%d)", uint8(id))
	}
}

var ErrTruncated = errors.New("protocol: truncated message")

// Writer appends fixed-width little-endian fields to a growable buffer.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded buffer. The slice aliases the writer's storage
// and is invalidated by the next Reset or append.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteU16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteU32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteF32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// WriteBytes appends a u32 length prefix followed by the raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteString appends a u16 length prefix followed by the raw bytes.
func (w *Writer) WriteString(s string) {
	w.WriteU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader consumes fixed-width little-endian fields from a byte slice. A
// short read latches ErrTruncated and makes every later read return zero,
// so decoders check Err once at the end instead of after every field.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *Reader) ReadU8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) ReadU16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *Reader) ReadU32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) ReadF32() float32 {
	return math.Float32frombits(r.ReadU32())
}

// ReadBytes consumes a u32 length prefix and returns the following bytes.
// The slice aliases the reader's buffer.
func (r *Reader) ReadBytes() []byte {
	n := int(r.ReadU32())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadString consumes a u16 length prefix and returns the following bytes
// as a string.
func (r *Reader) ReadString() string {
	n := int(r.ReadU16())
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}
