package bitbuffer

// STITCH_BUFFER_SIZE is the capacity of a Stitch in bytes. A 64-bit field
// starting at bit 7 of its first byte spans 9 bytes; 16 leaves headroom.
const STITCH_BUFFER_SIZE = 16

// Cursor tracks a read position inside a caller-supplied byte buffer.
//
// Fields:
//
//	Buf: the current buffer (borrowed, never modified)
//	Offset: bit offset of the first readable bit from the start of Buf
//	At: current position in bits, relative to Offset
//	Size: number of readable bits from Offset
//	PacketOffset: bits of the packet consumed before Offset of this buffer
//
// Invariant: At <= Size.
type Cursor struct {
	Buf          []byte
	Offset       uint64
	At           uint64
	Size         uint64
	PacketOffset uint64
}

// Set points the cursor at a new buffer, starting offset bits into it.
// A buffer shorter than offset yields an empty cursor.
func (c *Cursor) Set(buf []byte, offset uint64) {
	c.Buf = buf
	c.Offset = offset
	c.At = 0
	c.Size = 0
	if total := uint64(len(buf)) * BITS_PER_BYTE; total > offset {
		c.Size = total - offset
	}
}

// Available returns the number of unread bits.
func (c *Cursor) Available() uint64 {
	return c.Size - c.At
}

// HasEnough reports whether at least n bits are unread.
func (c *Cursor) HasEnough(n uint64) bool {
	return c.Available() >= n
}

// Consume advances the position by n bits.
func (c *Cursor) Consume(n uint64) {
	c.At += n
}

// PacketAt returns the current position relative to the packet start.
func (c *Cursor) PacketAt() uint64 {
	return c.PacketOffset + c.At
}

// AtFromAddr returns the current position relative to the start of Buf.
//
//	====== offset ===== (17)
//
//	xxxxxxxx xxxxxxxx xxxxxxxx xxxxxxxx xxxxxxxx
//	^
//	Buf[0]             ==== at ==== (12)
//
//	=============================== (29)
func (c *Cursor) AtFromAddr() uint64 {
	return c.Offset + c.At
}

// Stitch holds the bits of a single basic field while they are delivered
// across buffers.
//
// Fields:
//
//	Buf: scratch storage
//	Offset: bit offset of the field's first bit within Buf[0]
//	At: number of bits accumulated after Offset
type Stitch struct {
	Buf    [STITCH_BUFFER_SIZE]byte
	Offset uint64
	At     uint64
}

// Reset empties the stitch buffer.
func (s *Stitch) Reset() {
	s.Offset = 0
	s.At = 0
}

// AtFromAddr returns the bit position right after the accumulated bits.
func (s *Stitch) AtFromAddr() uint64 {
	return s.Offset + s.At
}

// AppendFrom copies n bits at the cursor position into the stitch buffer and
// consumes them from the cursor. Whole bytes are copied; the stitch buffer
// keeps the same in-byte bit position as the source so that the bitfield read
// primitive can decode it in place.
func (s *Stitch) AppendFrom(c *Cursor, n uint64) {
	if n == 0 {
		return
	}
	var (
		dst   = BitsToBytesFloor(s.AtFromAddr())
		start = BitsToBytesFloor(c.AtFromAddr())
		end   = BitsToBytesCeil(c.AtFromAddr() + n)
	)
	copy(s.Buf[dst:], c.Buf[start:end])
	s.At += n
	c.Consume(n)
}

// SetFrom resets the stitch buffer and fills it with everything left in the
// cursor, remembering the in-byte offset of the first bit.
func (s *Stitch) SetFrom(c *Cursor) {
	s.Reset()
	s.Offset = InByteOffset(c.AtFromAddr())
	s.AppendFrom(c, c.Available())
}
