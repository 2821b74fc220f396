// Package bitbuffer provides bit-level primitives for CTF (Common Trace Format)
// binary decoding.
//
// # Overview
//
// CTF data streams are bit-packed: a field may start at any bit, span any
// number of bytes, and be laid out in big-endian or little-endian bit order.
// This package holds the pieces every decoder stage shares:
//
//   - ReadBE / ReadLE: the bitfield read primitive (1-64 bits at any bit offset)
//   - ReadSignedBE / ReadSignedLE: the same with two's complement sign extension
//   - Cursor: the position of a reader inside a caller-supplied buffer
//   - Stitch: a scratch area assembling one value split across two buffers
//   - Writer: a bit packer producing CTF-shaped data (fixtures, synthetic packets)
//
// # Bit Ordering
//
// Big-endian fields number bits from the most significant bit of the first
// byte; little-endian fields number bits from the least significant bit of the
// first byte. A bit offset is always counted from the start of the buffer.
//
// # Key Features
//
//   - Fast paths for byte-aligned, whole-byte fields via encoding/binary
//   - Slow paths for general bit-packing/unpacking
//   - No allocation on the read side
//
// # Thread Safety
//
// Cursor, Stitch and Writer are NOT thread-safe. The read functions are pure.
package bitbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ENABLE_TRACE controls whether trace output is printed
	ENABLE_TRACE = false

	// BITS_PER_BYTE is the number of bits in a byte
	BITS_PER_BYTE = 8

	// TMP_ARRAY_SIZE is the size of temporary arrays used for binary operations
	TMP_ARRAY_SIZE = 8

	// MAX_FIELD_BITS is the widest basic field the primitives can read.
	MAX_FIELD_BITS = 64
)

// BitsToBytesFloor returns the number of whole bytes in bits.
func BitsToBytesFloor(bits uint64) uint64 {
	return bits >> 3
}

// BitsToBytesCeil returns the number of bytes needed to hold bits.
func BitsToBytesCeil(bits uint64) uint64 {
	return (bits + 7) >> 3
}

// InByteOffset returns the bit position of at within its byte.
func InByteOffset(at uint64) uint64 {
	return at & 7
}

// Align returns at rounded up to the next multiple of alignment.
// An alignment of 0 or 1 leaves at unchanged.
func Align(at, alignment uint64) uint64 {
	if alignment <= 1 {
		return at
	}
	return (at + alignment - 1) / alignment * alignment
}

func mask(n uint64) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << n) - 1
}

// ReadBE reads an unsigned big-endian bitfield of size bits starting at bit
// offset at of buf.
//
// The caller guarantees that buf holds at least at+size bits and that
// 1 <= size <= 64.
//
// Fast path: byte-aligned whole-byte fields use binary.BigEndian.
// Slow path: bit-by-bit unpacking, most significant bits first.
func ReadBE(buf []byte, at, size uint64) uint64 {
	if InByteOffset(at) == 0 && size&7 == 0 {
		var (
			nbytes = size >> 3
			start  = at >> 3
			tmp    = [TMP_ARRAY_SIZE]byte{}
		)
		copy(tmp[TMP_ARRAY_SIZE-nbytes:], buf[start:start+nbytes])
		return binary.BigEndian.Uint64(tmp[:])
	}

	var result uint64
	for size > 0 {
		var (
			index   = at >> 3
			offset  = InByteOffset(at)
			reading = min(size, BITS_PER_BYTE-offset)
			shift   = BITS_PER_BYTE - offset - reading
			bits    = (uint64(buf[index]) >> shift) & mask(reading)
		)
		result = (result << reading) | bits
		at += reading
		size -= reading
	}
	return result
}

// ReadLE reads an unsigned little-endian bitfield of size bits starting at
// bit offset at of buf.
//
// The caller guarantees that buf holds at least at+size bits and that
// 1 <= size <= 64.
//
// Fast path: byte-aligned whole-byte fields use binary.LittleEndian.
// Slow path: bit-by-bit unpacking, least significant bits first.
func ReadLE(buf []byte, at, size uint64) uint64 {
	if InByteOffset(at) == 0 && size&7 == 0 {
		var (
			nbytes = size >> 3
			start  = at >> 3
			tmp    = [TMP_ARRAY_SIZE]byte{}
		)
		copy(tmp[:nbytes], buf[start:start+nbytes])
		return binary.LittleEndian.Uint64(tmp[:])
	}

	var (
		result uint64
		shift  uint64
	)
	for size > 0 {
		var (
			index   = at >> 3
			offset  = InByteOffset(at)
			reading = min(size, BITS_PER_BYTE-offset)
			bits    = (uint64(buf[index]) >> offset) & mask(reading)
		)
		result |= bits << shift
		shift += reading
		at += reading
		size -= reading
	}
	return result
}

// SignExtend interprets the low size bits of value as a two's complement
// integer.
func SignExtend(value, size uint64) int64 {
	if size == 0 || size >= 64 {
		return int64(value)
	}
	shift := 64 - size
	return int64(value<<shift) >> shift
}

// ReadSignedBE is ReadBE followed by sign extension.
func ReadSignedBE(buf []byte, at, size uint64) int64 {
	return SignExtend(ReadBE(buf, at, size), size)
}

// ReadSignedLE is ReadLE followed by sign extension.
func ReadSignedLE(buf []byte, at, size uint64) int64 {
	return SignExtend(ReadLE(buf, at, size), size)
}

// Writer packs bitfields into a growing byte slice. It produces the exact
// layout the decoder expects and is used to synthesize packets.
//
// Fields:
//
//	Buff: byte slice holding the packed bits
//	written: total number of bits written
type Writer struct {
	Buff    []byte
	written uint64
}

// InitialBufferSize is the initial capacity for the buffer in NewWriter.
var InitialBufferSize = 64

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{
		Buff: make([]byte, 0, InitialBufferSize),
	}
}

// Trace prints debug information about the writer state.
// Only prints if ENABLE_TRACE is true (compile-time constant).
func (w *Writer) Trace(event, function, arguments string) {
	if !ENABLE_TRACE {
		return
	}
	state := fmt.Sprintf("[%s %s] len=%d written=%d", event, function, len(w.Buff), w.written)
	if arguments != "" {
		state = state + " --> " + arguments
	}
	println(state)
}

// NumWritten returns the total number of bits written, padding included.
func (w *Writer) NumWritten() uint64 {
	return w.written
}

// Bytes returns the packed data. A trailing partial byte is zero-padded.
func (w *Writer) Bytes() []byte {
	return w.Buff
}

// String implements the fmt.Stringer interface for Writer.
func (w *Writer) String() string {
	return fmt.Sprintf("Writer{Buff: len=%d, written: %d}", len(w.Buff), w.written)
}

// grow makes room for n more bits.
func (w *Writer) grow(n uint64) {
	need := int(BitsToBytesCeil(w.written + n))
	for len(w.Buff) < need {
		w.Buff = append(w.Buff, 0x00)
	}
}

func (w *Writer) check(num uint8) error {
	if num == 0 || num > MAX_FIELD_BITS {
		return errors.New("bit count must be between 1 and 64")
	}
	return nil
}

// WriteBE writes the least significant num bits of value as a big-endian
// bitfield at the current position.
func (w *Writer) WriteBE(num uint8, value uint64) error {
	if ENABLE_TRACE {
		w.Trace("ENTER", "WriteBE", fmt.Sprintf("bits=%d value=%d", num, value))
		defer w.Trace("EXIT", "WriteBE", "")
	}
	if err := w.check(num); err != nil {
		return err
	}
	value &= mask(uint64(num))

	// Fast path: whole bytes at a byte boundary.
	if InByteOffset(w.written) == 0 && num&7 == 0 {
		tmp := [TMP_ARRAY_SIZE]byte{}
		binary.BigEndian.PutUint64(tmp[:], value)
		w.Buff = append(w.Buff[:w.written>>3], tmp[TMP_ARRAY_SIZE-int(num>>3):]...)
		w.written += uint64(num)
		return nil
	}

	w.grow(uint64(num))
	pending := uint64(num)
	for pending > 0 {
		var (
			index   = w.written >> 3
			offset  = InByteOffset(w.written)
			nbits   = min(pending, BITS_PER_BYTE-offset)
			chunk   = (value >> (pending - nbits)) & mask(nbits)
			shift   = BITS_PER_BYTE - offset - nbits
			cleared = w.Buff[index] &^ byte(mask(nbits)<<shift)
		)
		w.Buff[index] = cleared | byte(chunk<<shift)
		w.written += nbits
		pending -= nbits
	}
	return nil
}

// WriteLE writes the least significant num bits of value as a little-endian
// bitfield at the current position.
func (w *Writer) WriteLE(num uint8, value uint64) error {
	if ENABLE_TRACE {
		w.Trace("ENTER", "WriteLE", fmt.Sprintf("bits=%d value=%d", num, value))
		defer w.Trace("EXIT", "WriteLE", "")
	}
	if err := w.check(num); err != nil {
		return err
	}
	value &= mask(uint64(num))

	// Fast path: whole bytes at a byte boundary.
	if InByteOffset(w.written) == 0 && num&7 == 0 {
		tmp := [TMP_ARRAY_SIZE]byte{}
		binary.LittleEndian.PutUint64(tmp[:], value)
		w.Buff = append(w.Buff[:w.written>>3], tmp[:int(num>>3)]...)
		w.written += uint64(num)
		return nil
	}

	w.grow(uint64(num))
	pending := uint64(num)
	for pending > 0 {
		var (
			index   = w.written >> 3
			offset  = InByteOffset(w.written)
			nbits   = min(pending, BITS_PER_BYTE-offset)
			chunk   = value & mask(nbits)
			cleared = w.Buff[index] &^ byte(mask(nbits)<<offset)
		)
		w.Buff[index] = cleared | byte(chunk<<offset)
		value >>= nbits
		w.written += nbits
		pending -= nbits
	}
	return nil
}

// WriteBytes writes full octets. The current position must be byte-aligned.
func (w *Writer) WriteBytes(data []byte) error {
	if InByteOffset(w.written) != 0 {
		return errors.New("write bytes requires a byte-aligned position")
	}
	w.Buff = append(w.Buff[:w.written>>3], data...)
	w.written += uint64(len(data)) * BITS_PER_BYTE
	return nil
}

// WriteString writes s followed by a NUL terminator. The current position
// must be byte-aligned.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteBytes([]byte(s)); err != nil {
		return err
	}
	return w.WriteBytes([]byte{0x00})
}

// Align pads with zero bits up to the next multiple of alignment bits.
func (w *Writer) Align(alignment uint64) {
	target := Align(w.written, alignment)
	if target == w.written {
		return
	}
	w.grow(target - w.written)
	w.written = target
}

// PadTo pads with zero bits until exactly bits have been written. It is a
// no-op if the writer is already past that point.
func (w *Writer) PadTo(bits uint64) {
	if bits <= w.written {
		return
	}
	w.grow(bits - w.written)
	w.written = bits
}
