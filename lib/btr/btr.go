// Package btr implements the CTF binary type reader.
//
// # Overview
//
// A Reader walks a field type tree and decodes the bits of a caller-supplied
// buffer into a linear sequence of callbacks: one per basic value, and a
// begin/end pair per compound. Structures, arrays, sequences and variants are
// tracked on an explicit stack instead of recursion, so a decode can stop at
// any bit and pick up later:
//
//	consumed, err := r.Start(root, buf, 0, 0)
//	for errors.Is(err, btr.ErrEOF) {
//	    buf = nextBuffer()
//	    n, err = r.Continue(buf)
//	    consumed += n
//	}
//
// When the buffer runs out in the middle of a field, the bits already seen
// are kept in a stitch buffer and the value is decoded once the rest arrives.
// Callbacks of completed fields are never repeated.
//
// # Alignment
//
// Alignment is computed on the position in the packet, not in the buffer:
// the packet offset given to Start plus everything consumed since.
//
// # Byte Order
//
// Integers and floats are read big or little endian per their type. Two
// fields sharing a byte must agree on byte order; ErrByteOrder otherwise.
//
// # Thread Safety
//
// A Reader is NOT thread-safe.
package btr

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thebagchi/ctf-go/lib/bitbuffer"
	"github.com/thebagchi/ctf-go/lib/ctfir"
)

var (
	// ErrEOF means the buffer is exhausted; call Continue with more bytes.
	ErrEOF = errors.New("btr: end of buffer")
	// ErrMalformed is returned for data or types that cannot be decoded.
	ErrMalformed = errors.New("btr: malformed data")
	// ErrByteOrder is returned for unknown or mixed byte orders.
	ErrByteOrder = errors.New("btr: byte order")
	// ErrInvalid is returned for bad arguments.
	ErrInvalid = errors.New("btr: invalid argument")
)

// State of the reader.
type State int

const (
	StateNextField State = iota
	StateAlignBasic
	StateAlignCompound
	StateReadBasicBegin
	StateReadBasicContinue
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNextField:
		return "NEXT_FIELD"
	case StateAlignBasic:
		return "ALIGN_BASIC"
	case StateAlignCompound:
		return "ALIGN_COMPOUND"
	case StateReadBasicBegin:
		return "READ_BASIC_BEGIN"
	case StateReadBasicContinue:
		return "READ_BASIC_CONTINUE"
	case StateDone:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callbacks receive decoded values. Any of the value and structural
// callbacks may be nil. SequenceLength and VariantOption are required as soon
// as the type tree holds a sequence or a variant.
//
// A non-nil error aborts the current Start or Continue call and is returned
// as is. Callbacks already made are not rolled back.
type Callbacks struct {
	// UnsignedInt receives unsigned integers and enumerations with an
	// unsigned container; ft is the *ctfir.IntegerType or *ctfir.EnumType.
	UnsignedInt func(value uint64, ft ctfir.BasicType) error
	// SignedInt is UnsignedInt for signed containers.
	SignedInt func(value int64, ft ctfir.BasicType) error
	Float     func(value float64, ft *ctfir.FloatType) error

	StringBegin func(ft *ctfir.StringType) error
	// String receives a chunk of the string, without the terminating NUL.
	// The chunk aliases the input buffer and is valid only during the call.
	String    func(chunk []byte, ft *ctfir.StringType) error
	StringEnd func(ft *ctfir.StringType) error

	CompoundBegin func(ft ctfir.CompoundType) error
	CompoundEnd   func(ft ctfir.CompoundType) error

	// SequenceLength returns the number of elements of the sequence being
	// entered. It is called once per sequence occurrence.
	SequenceLength func(ft *ctfir.SequenceType) (int64, error)
	// VariantOption returns the option type of the variant being entered. It
	// is called once per variant occurrence.
	VariantOption func(ft *ctfir.VariantType) (ctfir.FieldType, error)
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for state traces.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// Reader is a binary type reader.
type Reader struct {
	cbs    Callbacks
	logger *zap.Logger

	state  State
	stack  stack
	cur    ctfir.BasicType
	cursor bitbuffer.Cursor
	stitch bitbuffer.Stitch

	// Byte order of the basic field being read and of the previous one.
	curBO  ctfir.ByteOrder
	lastBO ctfir.ByteOrder

	// Packet position of the first bit of the current basic field.
	fieldAt uint64
}

// New creates a Reader delivering values to cbs.
func New(cbs Callbacks, opts ...Option) *Reader {
	r := &Reader{
		cbs:    cbs,
		logger: zap.NewNop(),
		state:  StateNextField,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Depth returns the number of open compound fields.
func (r *Reader) Depth() int { return r.stack.size() }

// FieldPosition returns the packet position, in bits, of the first bit of
// the basic field being read. It is meaningful inside value callbacks.
func (r *Reader) FieldPosition() uint64 { return r.fieldAt }

// PacketPosition returns the current position in the packet, in bits.
func (r *Reader) PacketPosition() uint64 { return r.cursor.PacketAt() }

// Reset drops all traversal state.
func (r *Reader) Reset() {
	r.stack.clear()
	r.cur = nil
	r.stitch.Reset()
	r.cursor = bitbuffer.Cursor{}
	r.curBO = ctfir.ByteOrderUnknown
	r.lastBO = ctfir.ByteOrderUnknown
	r.fieldAt = 0
	r.state = StateNextField
}

// Start begins decoding root from buf, skipping the first offset bits of buf.
// packetOffset is the position in the packet of that first bit, used for
// alignment.
//
// It returns the number of bits consumed from buf. The error is nil once
// root is fully decoded, ErrEOF when more data is needed, anything else on
// failure.
func (r *Reader) Start(root ctfir.FieldType, buf []byte, offset, packetOffset uint64) (uint64, error) {
	if root == nil {
		return 0, fmt.Errorf("%w: nil root type", ErrInvalid)
	}
	if uint64(len(buf))*bitbuffer.BITS_PER_BYTE <= offset {
		return 0, fmt.Errorf("%w: offset %d is past a %d-byte buffer", ErrInvalid, offset, len(buf))
	}
	r.Reset()
	r.cursor.Set(buf, offset)
	r.cursor.PacketOffset = packetOffset

	switch t := root.(type) {
	case ctfir.CompoundType:
		if r.cbs.CompoundBegin != nil {
			if err := r.cbs.CompoundBegin(t); err != nil {
				return 0, err
			}
		}
		if err := r.push(t); err != nil {
			return 0, err
		}
		r.state = StateAlignCompound
	case ctfir.BasicType:
		r.cur = t
		r.state = StateAlignBasic
	default:
		return 0, fmt.Errorf("%w: unsupported root type %T", ErrInvalid, root)
	}
	return r.run()
}

// Continue resumes a decode that returned ErrEOF with the next buffer.
func (r *Reader) Continue(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalid)
	}
	r.cursor.Set(buf, 0)
	return r.run()
}

func (r *Reader) run() (uint64, error) {
	var err error
	for err == nil && r.state != StateDone {
		if ce := r.logger.Check(zapcore.DebugLevel, "btr state"); ce != nil {
			ce.Write(
				zap.Stringer("state", r.state),
				zap.Uint64("packet_at", r.cursor.PacketAt()),
				zap.Int("depth", r.stack.size()),
			)
		}
		err = r.handleState()
	}
	consumed := r.cursor.At
	r.cursor.PacketOffset += consumed
	// The buffer is only borrowed for the duration of the call.
	r.cursor.Set(nil, 0)
	return consumed, err
}

func (r *Reader) handleState() error {
	switch r.state {
	case StateNextField:
		return r.nextField()
	case StateAlignBasic:
		return r.align(r.cur, StateReadBasicBegin)
	case StateAlignCompound:
		return r.align(r.stack.top().base, StateNextField)
	case StateReadBasicBegin:
		return r.readBasicBegin()
	case StateReadBasicContinue:
		return r.readBasicContinue()
	}
	return nil
}

// push opens a compound, asking the callbacks for the length of a sequence
// or the option of a variant.
func (r *Reader) push(ft ctfir.CompoundType) error {
	f := frame{base: ft}
	switch t := ft.(type) {
	case *ctfir.StructType:
		f.length = int64(len(t.Members))
	case *ctfir.ArrayType:
		f.length = int64(t.Length)
	case *ctfir.SequenceType:
		if r.cbs.SequenceLength == nil {
			return fmt.Errorf("%w: no sequence length callback", ErrInvalid)
		}
		length, err := r.cbs.SequenceLength(t)
		if err != nil {
			return err
		}
		if length < 0 {
			return fmt.Errorf("%w: negative sequence length %d", ErrMalformed, length)
		}
		f.length = length
	case *ctfir.VariantType:
		if r.cbs.VariantOption == nil {
			return fmt.Errorf("%w: no variant option callback", ErrInvalid)
		}
		option, err := r.cbs.VariantOption(t)
		if err != nil {
			return err
		}
		if option == nil {
			return fmt.Errorf("%w: variant has no selected option", ErrMalformed)
		}
		f.length = 1
		f.option = option
	default:
		return fmt.Errorf("%w: unsupported compound type %T", ErrMalformed, ft)
	}
	r.stack.push(f)
	return nil
}

func (r *Reader) nextField() error {
	if r.stack.empty() {
		r.state = StateDone
		return nil
	}
	top := r.stack.top()

	if top.index == top.length {
		if r.cbs.CompoundEnd != nil {
			if err := r.cbs.CompoundEnd(top.base); err != nil {
				return err
			}
		}
		r.stack.pop()
		if r.stack.empty() {
			r.state = StateDone
		}
		return nil
	}

	var next ctfir.FieldType
	switch t := top.base.(type) {
	case *ctfir.StructType:
		next = t.Members[top.index].Type
	case *ctfir.ArrayType:
		next = t.Element
	case *ctfir.SequenceType:
		next = t.Element
	case *ctfir.VariantType:
		next = top.option
	}

	switch t := next.(type) {
	case ctfir.CompoundType:
		if r.cbs.CompoundBegin != nil {
			if err := r.cbs.CompoundBegin(t); err != nil {
				return err
			}
		}
		parent := r.stack.size() - 1
		if err := r.push(t); err != nil {
			return err
		}
		r.stack.frames[parent].index++
		r.state = StateAlignCompound
	case ctfir.BasicType:
		r.cur = t
		r.state = StateAlignBasic
	default:
		return fmt.Errorf("%w: %v child %d has no type", ErrMalformed, top.base.Kind(), top.index)
	}
	return nil
}

// align skips padding bits up to the alignment of ft, then moves to next.
func (r *Reader) align(ft ctfir.FieldType, next State) error {
	alignment := max(ft.Alignment(), 1)
	at := r.cursor.PacketAt()
	skip := bitbuffer.Align(at, alignment) - at
	if skip == 0 {
		r.state = next
		return nil
	}
	if r.cursor.Available() == 0 {
		return ErrEOF
	}
	r.cursor.Consume(min(r.cursor.Available(), skip))

	at = r.cursor.PacketAt()
	if bitbuffer.Align(at, alignment) != at {
		return ErrEOF
	}
	r.state = next
	return nil
}

func (r *Reader) readBasicBegin() error {
	if r.cursor.Available() == 0 {
		return ErrEOF
	}
	r.fieldAt = r.cursor.PacketAt()
	if _, ok := r.cur.(*ctfir.StringType); ok {
		return r.readString(true)
	}

	size := r.cur.Size()
	if size < 1 || size > bitbuffer.MAX_FIELD_BITS {
		return fmt.Errorf("%w: %v size %d is not in [1, 64]", ErrMalformed, r.cur.Kind(), size)
	}
	if err := r.checkByteOrder(r.cur.ByteOrder()); err != nil {
		return err
	}

	if r.cursor.HasEnough(size) {
		if err := r.decode(r.cursor.Buf, r.cursor.AtFromAddr()); err != nil {
			return err
		}
		r.cursor.Consume(size)
		r.fieldDone()
		return nil
	}

	r.stitch.SetFrom(&r.cursor)
	r.state = StateReadBasicContinue
	return ErrEOF
}

func (r *Reader) readBasicContinue() error {
	if r.cursor.Available() == 0 {
		return ErrEOF
	}
	if _, ok := r.cur.(*ctfir.StringType); ok {
		return r.readString(false)
	}

	needed := r.cur.Size() - r.stitch.At
	if r.cursor.HasEnough(needed) {
		r.stitch.AppendFrom(&r.cursor, needed)
		if err := r.decode(r.stitch.Buf[:], r.stitch.Offset); err != nil {
			return err
		}
		r.fieldDone()
		return nil
	}

	r.stitch.AppendFrom(&r.cursor, r.cursor.Available())
	return ErrEOF
}

// fieldDone moves past a completed basic field.
func (r *Reader) fieldDone() {
	if r.stack.empty() {
		r.state = StateDone
		return
	}
	r.stack.top().index++
	r.state = StateNextField
	r.lastBO = r.curBO
}

// checkByteOrder rejects a field starting inside a byte whose earlier bits
// belong to a field of the other byte order.
func (r *Reader) checkByteOrder(next ctfir.ByteOrder) error {
	if bitbuffer.InByteOffset(r.cursor.PacketAt()) == 0 {
		return nil
	}
	if r.lastBO == ctfir.ByteOrderUnknown || next == ctfir.ByteOrderUnknown {
		return nil
	}
	if r.lastBO.Native() != next.Native() {
		return fmt.Errorf("%w: %v field follows a %v field within the byte at bit %d",
			ErrByteOrder, next, r.lastBO, r.cursor.PacketAt())
	}
	return nil
}

// decode reads the current basic field from buf at bit at and calls back.
func (r *Reader) decode(buf []byte, at uint64) error {
	switch t := r.cur.(type) {
	case *ctfir.IntegerType:
		return r.decodeInt(buf, at, t, t)
	case *ctfir.EnumType:
		if t.Container == nil {
			return fmt.Errorf("%w: enum without container", ErrMalformed)
		}
		return r.decodeInt(buf, at, t.Container, t)
	case *ctfir.FloatType:
		return r.decodeFloat(buf, at, t)
	}
	return fmt.Errorf("%w: cannot decode %T", ErrMalformed, r.cur)
}

func (r *Reader) readBits(buf []byte, at, size uint64, bo ctfir.ByteOrder) (uint64, error) {
	switch bo.Native() {
	case ctfir.LittleEndian:
		return bitbuffer.ReadLE(buf, at, size), nil
	case ctfir.BigEndian:
		return bitbuffer.ReadBE(buf, at, size), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrByteOrder, bo)
}

func (r *Reader) decodeInt(buf []byte, at uint64, it *ctfir.IntegerType, orig ctfir.BasicType) error {
	r.curBO = it.Order
	raw, err := r.readBits(buf, at, it.Bits, it.Order)
	if err != nil {
		return err
	}
	if it.Signed {
		if r.cbs.SignedInt != nil {
			return r.cbs.SignedInt(bitbuffer.SignExtend(raw, it.Bits), orig)
		}
		return nil
	}
	if r.cbs.UnsignedInt != nil {
		return r.cbs.UnsignedInt(raw, orig)
	}
	return nil
}

func (r *Reader) decodeFloat(buf []byte, at uint64, ft *ctfir.FloatType) error {
	r.curBO = ft.Order
	var value float64
	switch {
	case ft.IsSingle():
		raw, err := r.readBits(buf, at, 32, ft.Order)
		if err != nil {
			return err
		}
		value = float64(math.Float32frombits(uint32(raw)))
	case ft.IsDouble():
		raw, err := r.readBits(buf, at, 64, ft.Order)
		if err != nil {
			return err
		}
		value = math.Float64frombits(raw)
	default:
		return fmt.Errorf("%w: only 32-bit and 64-bit floats are supported, got %d bits", ErrMalformed, ft.Size())
	}
	if r.cbs.Float != nil {
		return r.cbs.Float(value, ft)
	}
	return nil
}

// readString consumes bytes up to and including the terminating NUL,
// delivering the bytes of this buffer as one chunk.
func (r *Reader) readString(begin bool) error {
	st := r.cur.(*ctfir.StringType)
	at := r.cursor.AtFromAddr()
	if bitbuffer.InByteOffset(at) != 0 {
		return fmt.Errorf("%w: string at bit %d is not byte-aligned", ErrMalformed, r.cursor.PacketAt())
	}
	var (
		start = bitbuffer.BitsToBytesFloor(at)
		n     = bitbuffer.BitsToBytesFloor(r.cursor.Available())
		chunk = r.cursor.Buf[start : start+n]
	)

	if begin && r.cbs.StringBegin != nil {
		if err := r.cbs.StringBegin(st); err != nil {
			return err
		}
	}

	end := bytes.IndexByte(chunk, 0)
	if end < 0 {
		if r.cbs.String != nil && len(chunk) > 0 {
			if err := r.cbs.String(chunk, st); err != nil {
				return err
			}
		}
		r.cursor.Consume(n * bitbuffer.BITS_PER_BYTE)
		r.state = StateReadBasicContinue
		return ErrEOF
	}

	if r.cbs.String != nil && end > 0 {
		if err := r.cbs.String(chunk[:end], st); err != nil {
			return err
		}
	}
	if r.cbs.StringEnd != nil {
		if err := r.cbs.StringEnd(st); err != nil {
			return err
		}
	}
	r.cursor.Consume(uint64(end+1) * bitbuffer.BITS_PER_BYTE)
	r.curBO = ctfir.ByteOrderUnknown
	r.fieldDone()
	return nil
}
