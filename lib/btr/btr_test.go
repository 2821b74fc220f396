package btr

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebagchi/ctf-go/lib/bitbuffer"
	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// record is one callback as seen by the recorder.
type record struct {
	Kind  string
	Value any
	At    uint64
	Align uint64
}

// recorder builds a Reader whose callbacks append to a trace. Sequence
// lengths and variant options come from the last unsigned value decoded.
type recorder struct {
	reader      *Reader
	records     []record
	last        uint64
	str         []byte
	seqQueries  int
	varQueries  int
	failOnValue error
	seqOverride *int64
	nilVariant  bool
}

func newRecorder() *recorder {
	rec := &recorder{}
	rec.reader = New(Callbacks{
		UnsignedInt: func(v uint64, ft ctfir.BasicType) error {
			rec.last = v
			rec.add("uint:"+ft.Kind().String(), v, ft)
			return rec.failOnValue
		},
		SignedInt: func(v int64, ft ctfir.BasicType) error {
			rec.add("int:"+ft.Kind().String(), v, ft)
			return rec.failOnValue
		},
		Float: func(v float64, ft *ctfir.FloatType) error {
			rec.add("float", v, ft)
			return nil
		},
		StringBegin: func(ft *ctfir.StringType) error {
			rec.str = rec.str[:0]
			rec.add("string_begin", nil, ft)
			return nil
		},
		String: func(chunk []byte, ft *ctfir.StringType) error {
			rec.str = append(rec.str, chunk...)
			return nil
		},
		StringEnd: func(ft *ctfir.StringType) error {
			rec.records = append(rec.records, record{Kind: "string_end", Value: string(rec.str)})
			return nil
		},
		CompoundBegin: func(ft ctfir.CompoundType) error {
			rec.records = append(rec.records, record{Kind: "begin:" + ft.Kind().String()})
			return nil
		},
		CompoundEnd: func(ft ctfir.CompoundType) error {
			rec.records = append(rec.records, record{Kind: "end:" + ft.Kind().String()})
			return nil
		},
		SequenceLength: func(ft *ctfir.SequenceType) (int64, error) {
			rec.seqQueries++
			if rec.seqOverride != nil {
				return *rec.seqOverride, nil
			}
			return int64(rec.last), nil
		},
		VariantOption: func(ft *ctfir.VariantType) (ctfir.FieldType, error) {
			rec.varQueries++
			if rec.nilVariant || rec.last >= uint64(len(ft.Options)) {
				return nil, nil
			}
			return ft.Options[rec.last].Type, nil
		},
	})
	return rec
}

func (rec *recorder) add(kind string, v any, ft ctfir.FieldType) {
	rec.records = append(rec.records, record{
		Kind:  kind,
		Value: v,
		At:    rec.reader.FieldPosition(),
		Align: ft.Alignment(),
	})
}

// decode feeds data in chunks of size chunk (all at once if chunk <= 0).
// It returns the total consumed bits and the number of ErrEOF results.
func (rec *recorder) decode(root ctfir.FieldType, data []byte, chunk int) (uint64, int, error) {
	if chunk <= 0 || chunk > len(data) {
		chunk = len(data)
	}
	var (
		eofs  int
		total uint64
	)
	n, err := rec.reader.Start(root, data[:chunk], 0, 0)
	total += n
	for pos := chunk; errors.Is(err, ErrEOF); pos += chunk {
		eofs++
		if pos >= len(data) {
			return total, eofs, err
		}
		n, err = rec.reader.Continue(data[pos:min(pos+chunk, len(data))])
		total += n
	}
	return total, eofs, err
}

func u(bits uint64) *ctfir.IntegerType {
	return &ctfir.IntegerType{Bits: bits, Order: ctfir.LittleEndian}
}

func mask(w uint64) uint64 {
	if w == 64 {
		return math.MaxUint64
	}
	return 1<<w - 1
}

func members(types ...ctfir.FieldType) []ctfir.StructMember {
	out := make([]ctfir.StructMember, len(types))
	for i, ft := range types {
		out[i] = ctfir.StructMember{Name: fmt.Sprintf("m%d", i), Type: ft}
	}
	return out
}

func TestScenarioWholeBuffer(t *testing.T) {
	root := &ctfir.StructType{Members: []ctfir.StructMember{
		{Name: "a", Type: u(16)},
		{Name: "b", Type: &ctfir.IntegerType{Bits: 32, Align: 32, Order: ctfir.LittleEndian}},
		{Name: "c", Type: u(8)},
	}}
	data := []byte{0x34, 0x12, 0xAA, 0xAA, 0x78, 0x56, 0x34, 0x12, 0x99}

	rec := newRecorder()
	consumed, err := rec.reader.Start(root, data, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(72), consumed)
	assert.Equal(t, StateDone, rec.reader.State())
	assert.Equal(t, 0, rec.reader.Depth())

	expected := []record{
		{Kind: "begin:struct"},
		{Kind: "uint:integer", Value: uint64(0x1234), At: 0, Align: 8},
		{Kind: "uint:integer", Value: uint64(0x12345678), At: 32, Align: 32},
		{Kind: "uint:integer", Value: uint64(0x99), At: 64, Align: 8},
		{Kind: "end:struct"},
	}
	if diff := cmp.Diff(expected, rec.records); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioThreeByteChunks(t *testing.T) {
	root := &ctfir.StructType{Members: []ctfir.StructMember{
		{Name: "a", Type: u(16)},
		{Name: "b", Type: &ctfir.IntegerType{Bits: 32, Align: 32, Order: ctfir.LittleEndian}},
		{Name: "c", Type: u(8)},
	}}
	data := []byte{0x34, 0x12, 0xAA, 0xAA, 0x78, 0x56, 0x34, 0x12, 0x99}

	whole := newRecorder()
	_, _, err := whole.decode(root, data, 0)
	require.NoError(t, err)

	chunked := newRecorder()
	consumed, eofs, err := chunked.decode(root, data, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(72), consumed)
	assert.GreaterOrEqual(t, eofs, 1)
	if diff := cmp.Diff(whole.records, chunked.records); diff != "" {
		t.Errorf("chunked decode differs (-whole +chunked):\n%s", diff)
	}
}

// integerFixture packs, for every width from 1 to 64, an unsigned and a
// signed field, honoring the default alignment.
func integerFixture(t *testing.T, order ctfir.ByteOrder) (*ctfir.StructType, []byte, []record) {
	t.Helper()
	var (
		w        = bitbuffer.NewWriter()
		types    []ctfir.FieldType
		expected = []record{{Kind: "begin:struct"}}
	)
	write := func(ft *ctfir.IntegerType, raw uint64) {
		w.Align(ft.Alignment())
		var err error
		if order == ctfir.LittleEndian {
			err = w.WriteLE(uint8(ft.Bits), raw)
		} else {
			err = w.WriteBE(uint8(ft.Bits), raw)
		}
		require.NoError(t, err)
	}
	for width := uint64(1); width <= 64; width++ {
		ut := &ctfir.IntegerType{Bits: width, Order: order}
		uv := 0x0123456789abcdef & mask(width)
		at := bitbuffer.Align(w.NumWritten(), ut.Alignment())
		write(ut, uv)
		types = append(types, ut)
		expected = append(expected, record{Kind: "uint:integer", Value: uv, At: at, Align: ut.Alignment()})

		st := &ctfir.IntegerType{Bits: width, Order: order, Signed: true}
		sv := -(int64(1) << (width - 1))
		at = bitbuffer.Align(w.NumWritten(), st.Alignment())
		write(st, uint64(sv))
		types = append(types, st)
		expected = append(expected, record{Kind: "int:integer", Value: sv, At: at, Align: st.Alignment()})
	}
	w.Align(8)
	expected = append(expected, record{Kind: "end:struct"})
	return &ctfir.StructType{Members: members(types...)}, w.Bytes(), expected
}

func TestIntegersAcrossChunks(t *testing.T) {
	for _, order := range []ctfir.ByteOrder{ctfir.LittleEndian, ctfir.BigEndian, ctfir.Network} {
		root, data, expected := integerFixture(t, order)
		for _, chunk := range []int{0, 1, 2, 3, 5, 7, 8, 13, 64} {
			t.Run(fmt.Sprintf("%v/chunk=%d", order, chunk), func(t *testing.T) {
				rec := newRecorder()
				_, _, err := rec.decode(root, data, chunk)
				require.NoError(t, err)
				if diff := cmp.Diff(expected, rec.records); diff != "" {
					t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
				}
				assert.Equal(t, StateDone, rec.reader.State())
				assert.Equal(t, 0, rec.reader.Depth())
			})
		}
	}
}

func TestFloatsStringsEnums(t *testing.T) {
	var (
		f32   = &ctfir.FloatType{ExpDigits: 8, MantDigits: 24, Order: ctfir.LittleEndian}
		f64   = &ctfir.FloatType{ExpDigits: 11, MantDigits: 53, Order: ctfir.BigEndian}
		str   = &ctfir.StringType{}
		color = &ctfir.EnumType{
			Container: &ctfir.IntegerType{Bits: 3, Order: ctfir.LittleEndian},
			Mappings:  []ctfir.EnumMapping{{Label: "red", Lower: 0, Upper: 0}, {Label: "blue", Lower: 5, Upper: 5}},
		}
		delta = &ctfir.EnumType{Container: &ctfir.IntegerType{Bits: 5, Signed: true, Order: ctfir.LittleEndian}}
		root  = &ctfir.StructType{Members: members(f32, str, f64, color, delta, str, u(8), str)}
		w     = bitbuffer.NewWriter()
	)
	require.NoError(t, w.WriteLE(32, uint64(math.Float32bits(3.5))))
	require.NoError(t, w.WriteString("hello, world"))
	require.NoError(t, w.WriteBE(64, math.Float64bits(-1.25e10)))
	require.NoError(t, w.WriteLE(3, 5))
	require.NoError(t, w.WriteLE(5, uint64(0x1e))) // -2
	w.Align(8)
	require.NoError(t, w.WriteString(""))
	require.NoError(t, w.WriteLE(8, 0x42))
	require.NoError(t, w.WriteString("x"))
	data := w.Bytes()

	expected := []record{
		{Kind: "begin:struct"},
		{Kind: "float", Value: 3.5, At: 0, Align: 8},
		{Kind: "string_begin", At: 32, Align: 8},
		{Kind: "string_end", Value: "hello, world"},
		{Kind: "float", Value: -1.25e10, At: 136, Align: 8},
		{Kind: "uint:enum", Value: uint64(5), At: 200, Align: 1},
		{Kind: "int:enum", Value: int64(-2), At: 203, Align: 1},
		{Kind: "string_begin", At: 208, Align: 8},
		{Kind: "string_end", Value: ""},
		{Kind: "uint:integer", Value: uint64(0x42), At: 216, Align: 8},
		{Kind: "string_begin", At: 224, Align: 8},
		{Kind: "string_end", Value: "x"},
		{Kind: "end:struct"},
	}
	for _, chunk := range []int{0, 1, 2, 4, 9} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			rec := newRecorder()
			consumed, _, err := rec.decode(root, data, chunk)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(data))*8, consumed)
			if diff := cmp.Diff(expected, rec.records); diff != "" {
				t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyStringHasNoChunk(t *testing.T) {
	chunks := 0
	r := New(Callbacks{
		String: func([]byte, *ctfir.StringType) error {
			chunks++
			return nil
		},
	})
	consumed, err := r.Start(&ctfir.StringType{}, []byte{0x00, 0xff}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), consumed)
	assert.Zero(t, chunks)
}

func TestSequenceAndVariantQueriedOnce(t *testing.T) {
	var (
		tag = &ctfir.EnumType{
			Container: &ctfir.IntegerType{Bits: 8, Order: ctfir.LittleEndian},
			Mappings:  []ctfir.EnumMapping{{Label: "num", Lower: 0, Upper: 0}, {Label: "text", Lower: 1, Upper: 1}},
		}
		root = &ctfir.StructType{Members: []ctfir.StructMember{
			{Name: "len", Type: u(8)},
			{Name: "seq", Type: &ctfir.SequenceType{Element: u(16)}},
			{Name: "tag", Type: tag},
			{Name: "v", Type: &ctfir.VariantType{Options: []ctfir.VariantOption{
				{Name: "num", Type: &ctfir.IntegerType{Bits: 32, Order: ctfir.LittleEndian}},
				{Name: "text", Type: &ctfir.StringType{}},
			}}},
			{Name: "empty", Type: &ctfir.ArrayType{Length: 0, Element: u(8)}},
		}}
		w = bitbuffer.NewWriter()
	)
	require.NoError(t, w.WriteLE(8, 3))
	for _, v := range []uint64{0x1111, 0x2222, 0x3333} {
		require.NoError(t, w.WriteLE(16, v))
	}
	require.NoError(t, w.WriteLE(8, 1))
	require.NoError(t, w.WriteString("abc"))
	data := w.Bytes()

	expected := []record{
		{Kind: "begin:struct"},
		{Kind: "uint:integer", Value: uint64(3), At: 0, Align: 8},
		{Kind: "begin:sequence"},
		{Kind: "uint:integer", Value: uint64(0x1111), At: 8, Align: 8},
		{Kind: "uint:integer", Value: uint64(0x2222), At: 24, Align: 8},
		{Kind: "uint:integer", Value: uint64(0x3333), At: 40, Align: 8},
		{Kind: "end:sequence"},
		{Kind: "uint:enum", Value: uint64(1), At: 56, Align: 8},
		{Kind: "begin:variant"},
		{Kind: "string_begin", At: 64, Align: 8},
		{Kind: "string_end", Value: "abc"},
		{Kind: "end:variant"},
		{Kind: "begin:array"},
		{Kind: "end:array"},
		{Kind: "end:struct"},
	}
	for _, chunk := range []int{0, 1, 2, 3} {
		t.Run(fmt.Sprintf("chunk=%d", chunk), func(t *testing.T) {
			rec := newRecorder()
			_, _, err := rec.decode(root, data, chunk)
			require.NoError(t, err)
			assert.Equal(t, 1, rec.seqQueries)
			assert.Equal(t, 1, rec.varQueries)
			if diff := cmp.Diff(expected, rec.records); diff != "" {
				t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAlignmentIsHonored(t *testing.T) {
	root := &ctfir.StructType{Members: members(
		u(3),
		&ctfir.IntegerType{Bits: 5, Align: 16, Order: ctfir.LittleEndian},
		&ctfir.StructType{MinAlign: 64, Members: members(u(1), u(12))},
		&ctfir.ArrayType{Length: 3, Element: &ctfir.IntegerType{Bits: 7, Align: 32, Order: ctfir.LittleEndian}},
		u(64),
	)}
	data := make([]byte, 64)
	for _, chunk := range []int{0, 1, 3, 10} {
		rec := newRecorder()
		_, _, err := rec.decode(root, data, chunk)
		require.NoError(t, err)

		var prev uint64
		for _, r := range rec.records {
			if r.Align == 0 {
				continue
			}
			assert.Zero(t, r.At%r.Align, "%s at %d is not aligned on %d", r.Kind, r.At, r.Align)
			assert.GreaterOrEqual(t, r.At, prev)
			prev = r.At
		}
	}
}

func TestPacketOffsetDrivesAlignment(t *testing.T) {
	ft := &ctfir.IntegerType{Bits: 32, Align: 32, Order: ctfir.BigEndian}
	rec := newRecorder()
	consumed, err := rec.reader.Start(ft, []byte{0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(56), consumed)
	require.Len(t, rec.records, 1)
	assert.Equal(t, uint64(0xdeadbeef), rec.records[0].Value)
	assert.Equal(t, uint64(32), rec.records[0].At)
	assert.Equal(t, uint64(64), rec.reader.PacketPosition())
	assert.Equal(t, StateDone, rec.reader.State())

	// Done stays done.
	consumed, err = rec.reader.Continue([]byte{0x00})
	require.NoError(t, err)
	assert.Zero(t, consumed)
}

func TestStartOffset(t *testing.T) {
	rec := newRecorder()
	consumed, err := rec.reader.Start(u(8), []byte{0xff, 0x7b}, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), consumed)
	assert.Equal(t, uint64(0x7b), rec.records[0].Value)

	_, err = rec.reader.Start(u(8), []byte{0xff}, 8, 0)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = rec.reader.Continue(nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestErrors(t *testing.T) {
	test := func(name string, root ctfir.FieldType, data []byte, setup func(*recorder), target error) {
		t.Run(name, func(t *testing.T) {
			rec := newRecorder()
			if setup != nil {
				setup(rec)
			}
			_, _, err := rec.decode(root, data, 0)
			assert.ErrorIs(t, err, target)
		})
	}
	negative := int64(-1)
	sentinel := errors.New("stop")

	test("mixed byte order in a byte",
		&ctfir.StructType{Members: members(
			&ctfir.IntegerType{Bits: 4, Order: ctfir.LittleEndian},
			&ctfir.IntegerType{Bits: 4, Order: ctfir.BigEndian},
		)}, []byte{0x00}, nil, ErrByteOrder)
	test("network then little endian in a byte",
		&ctfir.StructType{Members: members(
			&ctfir.IntegerType{Bits: 2, Order: ctfir.Network},
			&ctfir.IntegerType{Bits: 6, Order: ctfir.LittleEndian},
		)}, []byte{0x00}, nil, ErrByteOrder)
	test("unknown byte order", &ctfir.IntegerType{Bits: 8}, []byte{0x00}, nil, ErrByteOrder)
	test("negative sequence length",
		&ctfir.StructType{Members: members(&ctfir.SequenceType{Element: u(8)})},
		[]byte{0x00}, func(r *recorder) { r.seqOverride = &negative }, ErrMalformed)
	test("no variant option",
		&ctfir.VariantType{Options: []ctfir.VariantOption{{Name: "a", Type: u(8)}}},
		[]byte{0x00}, func(r *recorder) { r.nilVariant = true }, ErrMalformed)
	test("half precision float",
		&ctfir.FloatType{ExpDigits: 5, MantDigits: 11, Order: ctfir.LittleEndian},
		[]byte{0x00, 0x00}, nil, ErrMalformed)
	test("zero-sized integer", &ctfir.IntegerType{Bits: 0, Order: ctfir.LittleEndian}, []byte{0x00}, nil, ErrMalformed)
	test("callback error", u(8), []byte{0x00}, func(r *recorder) { r.failOnValue = sentinel }, sentinel)
	test("truncated", u(32), []byte{0x00, 0x00}, nil, ErrEOF)
}

func TestSameByteSameOrderIsAccepted(t *testing.T) {
	root := &ctfir.StructType{Members: members(
		&ctfir.IntegerType{Bits: 4, Order: ctfir.BigEndian},
		&ctfir.IntegerType{Bits: 4, Order: ctfir.Network},
		&ctfir.IntegerType{Bits: 8, Order: ctfir.LittleEndian},
	)}
	rec := newRecorder()
	_, err := rec.reader.Start(root, []byte{0xab, 0xcd}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xa), rec.records[1].Value)
	assert.Equal(t, uint64(0xb), rec.records[2].Value)
	assert.Equal(t, uint64(0xcd), rec.records[3].Value)
}

func TestResetReuse(t *testing.T) {
	rec := newRecorder()
	_, err := rec.reader.Start(u(32), []byte{0x01, 0x02}, 0, 0)
	require.ErrorIs(t, err, ErrEOF)
	assert.Equal(t, StateReadBasicContinue, rec.reader.State())

	rec.reader.Reset()
	assert.Equal(t, StateNextField, rec.reader.State())
	_, err = rec.reader.Start(u(16), []byte{0x01, 0x02}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0201), rec.records[0].Value)
}
