// Package wire implements the variable-length binary encoding shared by the
// sync protocol, the presence deltas and the document updates.
//
// Integers are unsigned LEB128 varints and byte strings are length-prefixed,
// which is the same layout lib0 uses on the browser side.
package wire

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrUnexpectedEOF is returned when a value runs past the end of the buffer.
	ErrUnexpectedEOF = errors.New("wire: unexpected end of buffer")

	// ErrOverflow is returned when a varuint does not fit in 64 bits.
	ErrOverflow = errors.New("wire: varuint overflows 64 bits")
)

// Encoder appends encoded values to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// WriteVarUint appends v as an unsigned varint.
func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

// WriteVarBytes appends b prefixed with its length.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteVarString appends s prefixed with its length in bytes.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads values from a buffer in order.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a decoder positioned at the start of b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// ReadVarUint reads an unsigned varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	switch {
	case n == 0:
		return 0, ErrUnexpectedEOF
	case n < 0:
		return 0, ErrOverflow
	}
	d.pos += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte string. The result is a copy and
// does not alias the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

// ReadVarString reads a length-prefixed string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
