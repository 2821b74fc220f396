package bitbuffer

import (
	"bytes"
	"fmt"
	"testing"
)

func TestWriter(t *testing.T) {
	w := NewWriter()

	// Initial state
	if w.NumWritten() != 0 {
		t.Errorf("initial written should be 0, got %d", w.NumWritten())
	}

	// 16 single zero bits
	for i := 0; i < 16; i++ {
		if err := w.WriteBE(1, 0); err != nil {
			t.Fatalf("WriteBE %d failed: %v", i+1, err)
		}
	}
	if w.NumWritten() != 16 {
		t.Errorf("after 16 writes, written should be 16, got %d", w.NumWritten())
	}

	if err := w.WriteBytes([]byte{0x00}); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}
	if w.NumWritten() != 24 {
		t.Errorf("after WriteBytes, written should be 24, got %d", w.NumWritten())
	}

	// Aligned already: nothing changes
	w.Align(8)
	if w.NumWritten() != 24 {
		t.Errorf("after Align, written should still be 24, got %d", w.NumWritten())
	}

	if err := w.WriteBE(1, 1); err != nil {
		t.Fatalf("WriteBE after Align failed: %v", err)
	}
	if w.NumWritten() != 25 {
		t.Errorf("after writing bit, written should be 25, got %d", w.NumWritten())
	}

	expected := []byte{0x00, 0x00, 0x00, 0x80}
	if !bytes.Equal(w.Bytes(), expected) {
		t.Errorf("bytes should be %x, got %x", expected, w.Bytes())
	}

	w.Align(32)
	if w.NumWritten() != 32 {
		t.Errorf("after Align(32), written should be 32, got %d", w.NumWritten())
	}
	if err := w.WriteBE(0, 0); err == nil {
		t.Errorf("WriteBE(0) should fail")
	}
	if err := w.WriteLE(65, 0); err == nil {
		t.Errorf("WriteLE(65) should fail")
	}
}

func TestWriteLittleEndian(t *testing.T) {
	w := NewWriter()
	if err := w.WriteLE(16, 0x1234); err != nil {
		t.Fatalf("WriteLE failed: %v", err)
	}
	if err := w.WriteLE(3, 0x5); err != nil {
		t.Fatalf("WriteLE failed: %v", err)
	}
	if err := w.WriteLE(5, 0x1f); err != nil {
		t.Fatalf("WriteLE failed: %v", err)
	}
	expected := []byte{0x34, 0x12, 0xfd}
	if !bytes.Equal(w.Bytes(), expected) {
		t.Errorf("bytes should be %x, got %x", expected, w.Bytes())
	}
}

func TestReadKnownValues(t *testing.T) {
	test := func(name string, buf []byte, at, size uint64, be, le uint64) {
		t.Run(name, func(t *testing.T) {
			if got := ReadBE(buf, at, size); got != be {
				t.Errorf("ReadBE(%x, %d, %d) = %#x, want %#x", buf, at, size, got, be)
			}
			if got := ReadLE(buf, at, size); got != le {
				t.Errorf("ReadLE(%x, %d, %d) = %#x, want %#x", buf, at, size, got, le)
			}
		})
	}
	test("u16 aligned", []byte{0x34, 0x12}, 0, 16, 0x3412, 0x1234)
	test("u32 aligned", []byte{0x78, 0x56, 0x34, 0x12}, 0, 32, 0x78563412, 0x12345678)
	test("u8 at byte 1", []byte{0xaa, 0x99}, 8, 8, 0x99, 0x99)
	test("low nibble", []byte{0xa5}, 0, 4, 0xa, 0x5)
	test("high nibble", []byte{0xa5}, 4, 4, 0x5, 0xa)
	test("single bit", []byte{0x80}, 0, 1, 1, 0)
	test("12 bits across bytes", []byte{0xab, 0xcd}, 4, 12, 0xbcd, 0xcda)
	test("u64", []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 64, 0x0102030405060708, 0x0807060504030201)
}

func TestSignExtend(t *testing.T) {
	test := func(value, size uint64, expected int64) {
		t.Run(fmt.Sprintf("%#x_%d", value, size), func(t *testing.T) {
			if got := SignExtend(value, size); got != expected {
				t.Errorf("SignExtend(%#x, %d) = %d, want %d", value, size, got, expected)
			}
		})
	}
	test(0x1, 1, -1)
	test(0x0, 1, 0)
	test(0x7f, 8, 127)
	test(0x80, 8, -128)
	test(0xfff, 12, -1)
	test(0x800, 12, -2048)
	test(0xffffffffffffffff, 64, -1)
}

func TestWriteReadBits(t *testing.T) {
	bits := make([]uint8, 64)
	for i := range bits {
		bits[i] = uint8(i + 1)
	}

	for _, order := range []string{"be", "le"} {
		t.Run(order, func(t *testing.T) {
			w := NewWriter()
			// Write 1 to 64 bits with values 1 to 64, back to back
			for _, bit := range bits {
				var err error
				if order == "be" {
					err = w.WriteBE(bit, uint64(bit))
				} else {
					err = w.WriteLE(bit, uint64(bit))
				}
				if err != nil {
					t.Fatalf("Write %d bits failed: %v", bit, err)
				}
			}
			if w.NumWritten() != 2080 {
				t.Fatalf("written should be 2080, got %d", w.NumWritten())
			}

			var (
				buf = w.Bytes()
				at  uint64
			)
			for _, bit := range bits {
				var actual uint64
				if order == "be" {
					actual = ReadBE(buf, at, uint64(bit))
				} else {
					actual = ReadLE(buf, at, uint64(bit))
				}
				expected := uint64(bit) & mask(uint64(bit))
				if actual != expected {
					t.Errorf("Read %d bits at %d: expected %d, got %d", bit, at, expected, actual)
				}
				at += uint64(bit)
			}
		})
	}
}

func TestAlign(t *testing.T) {
	test := func(at, alignment, expected uint64) {
		if got := Align(at, alignment); got != expected {
			t.Errorf("Align(%d, %d) = %d, want %d", at, alignment, got, expected)
		}
	}
	test(0, 32, 0)
	test(1, 32, 32)
	test(16, 32, 32)
	test(33, 8, 40)
	test(13, 1, 13)
	test(13, 0, 13)
}

func TestCursor(t *testing.T) {
	var c Cursor
	c.Set([]byte{0x00, 0x00, 0x00}, 5)
	if c.Available() != 19 {
		t.Errorf("available should be 19, got %d", c.Available())
	}
	c.Consume(4)
	if c.AtFromAddr() != 9 {
		t.Errorf("at from addr should be 9, got %d", c.AtFromAddr())
	}
	c.PacketOffset = 100
	if c.PacketAt() != 104 {
		t.Errorf("packet at should be 104, got %d", c.PacketAt())
	}
	if !c.HasEnough(15) || c.HasEnough(16) {
		t.Errorf("HasEnough is wrong with %d bits left", c.Available())
	}

	c.Set([]byte{0x00}, 16)
	if c.Available() != 0 {
		t.Errorf("offset past the buffer should leave 0 bits, got %d", c.Available())
	}
}

func TestStitch(t *testing.T) {
	// A little-endian 16-bit value 0xbeef starting at bit 4, split after 12 bits.
	w := NewWriter()
	if err := w.WriteLE(4, 0x0); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteLE(16, 0xbeef); err != nil {
		t.Fatal(err)
	}
	w.Align(8)
	data := w.Bytes()

	var (
		c Cursor
		s Stitch
	)
	c.Set(data[:2], 4)
	s.SetFrom(&c)
	if s.Offset != 4 || s.At != 12 {
		t.Fatalf("stitch should hold offset=4 at=12, got offset=%d at=%d", s.Offset, s.At)
	}
	if c.Available() != 0 {
		t.Fatalf("cursor should be drained, %d bits left", c.Available())
	}

	c.Set(data[2:], 0)
	s.AppendFrom(&c, 16-s.At)
	if got := ReadLE(s.Buf[:], s.Offset, 16); got != 0xbeef {
		t.Errorf("stitched value should be 0xbeef, got %#x", got)
	}
	if c.At != 4 {
		t.Errorf("cursor should have consumed 4 bits, got %d", c.At)
	}
}
