package fragments

import "fmt"

// MaxArrayLen is the largest array payload, in bytes, that DBus
// allows in a message.
const MaxArrayLen = 64 << 20

// An Encoder provides utilities to write a DBus wire format message
// to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs to the output.
func (e *Encoder) Bytes(bs []byte) {
	e.Pad(4)
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s to the output.
func (e *Encoder) String(s string) {
	e.Pad(4)
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s as a DBus signature, which differs from a
// string in having a single byte length prefix.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// An ArrayMark records the position of an array header written by
// [Encoder.BeginArray].
type ArrayMark struct {
	lenOffset int
	start     int
}

// BeginArray writes an array header with a placeholder length, and
// pads to elemAlign so that the first element starts correctly
// aligned. The padding is written even if the array ends up empty,
// as DBus requires.
//
// Array elements are written with the usual Encoder methods, and the
// array finalized with [Encoder.EndArray].
func (e *Encoder) BeginArray(elemAlign int) ArrayMark {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)
	return ArrayMark{offset, len(e.Out)}
}

// EndArray patches the array length for the array started at m.
func (e *Encoder) EndArray(m ArrayMark) error {
	ln := len(e.Out) - m.start
	if ln > MaxArrayLen {
		return fmt.Errorf("array length %d exceeds maximum %d", ln, MaxArrayLen)
	}
	e.Order.PutUint32(e.Out[m.lenOffset:], uint32(ln))
	return nil
}

// Struct pads the output to the start of a struct.
func (e *Encoder) Struct() {
	e.Pad(8)
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.Flag()})
}
