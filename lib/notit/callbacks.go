package notit

import (
	"fmt"
	"math"

	"github.com/thebagchi/ctf-go/lib/bitbuffer"
	"github.com/thebagchi/ctf-go/lib/btr"
	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// PACKET_MAGIC is the value of a packet header field with the packet magic
// meaning.
const PACKET_MAGIC = 0xC1FC1FC1

// fieldFrame is an open compound field of the scope being decoded. index is
// the next child to fill.
type fieldFrame struct {
	base  ctfir.CompoundField
	index int
}

// optional is a value decoded from an integer with a meaning.
type optional struct {
	value uint64
	ok    bool
}

func (o *optional) set(v uint64) {
	o.value = v
	o.ok = true
}

// orUnknown returns the value, -1 if unset.
func (o optional) orUnknown() int64 {
	if !o.ok {
		return -1
	}
	return int64(o.value)
}

func (it *Iterator) callbacks() btr.Callbacks {
	return btr.Callbacks{
		UnsignedInt:    it.onUnsignedInt,
		SignedInt:      it.onSignedInt,
		Float:          it.onFloat,
		StringBegin:    it.onStringBegin,
		String:         it.onString,
		StringEnd:      it.onStringEnd,
		CompoundBegin:  it.onCompoundBegin,
		CompoundEnd:    it.onCompoundEnd,
		SequenceLength: it.sequenceLength,
		VariantOption:  it.variantOption,
	}
}

// nextField returns the field to fill next and moves past it.
func (it *Iterator) nextField() (ctfir.Field, error) {
	if len(it.stack) == 0 {
		return nil, fmt.Errorf("%w: %v: value outside of a compound", ErrMalformed, it.curScope)
	}
	top := &it.stack[len(it.stack)-1]
	if seq, ok := top.base.(*ctfir.SequenceField); ok && top.index == seq.Len() {
		seq.Append()
	}
	f := top.base.Child(top.index)
	if f == nil {
		return nil, fmt.Errorf("%w: %v: no child %d in %v", ErrMalformed, it.curScope, top.index, top.base.Type().Kind())
	}
	top.index++
	return f, nil
}

func (it *Iterator) top() ctfir.CompoundField {
	if len(it.stack) == 0 {
		return nil
	}
	return it.stack[len(it.stack)-1].base
}

func integerOf(f ctfir.Field) (*ctfir.IntegerField, error) {
	switch t := f.(type) {
	case *ctfir.IntegerField:
		return t, nil
	case *ctfir.EnumField:
		return t.Container, nil
	}
	return nil, fmt.Errorf("%w: expected an integer field, got %v", ErrMalformed, f.Type().Kind())
}

func (it *Iterator) onUnsignedInt(value uint64, _ ctfir.BasicType) error {
	f, err := it.nextField()
	if err != nil {
		return err
	}
	ifield, err := integerOf(f)
	if err != nil {
		return err
	}
	ifield.SetUnsigned(value)
	return it.onInteger(ifield)
}

func (it *Iterator) onSignedInt(value int64, _ ctfir.BasicType) error {
	f, err := it.nextField()
	if err != nil {
		return err
	}
	ifield, err := integerOf(f)
	if err != nil {
		return err
	}
	ifield.SetSigned(value)
	return it.onInteger(ifield)
}

// onInteger records the values the iterator decides on and updates clocks.
func (it *Iterator) onInteger(f *ctfir.IntegerField) error {
	ft := f.IntegerType()
	switch {
	case ft.Meaning == ctfir.MeaningNone:
	case it.curScope == ctfir.ScopePacketHeader:
		switch ft.Meaning {
		case ctfir.MeaningPacketMagic:
			if f.Unsigned() != PACKET_MAGIC {
				return fmt.Errorf("%w: packet magic is %#x, expected %#x", ErrMalformed, f.Unsigned(), PACKET_MAGIC)
			}
		case ctfir.MeaningStreamClassID:
			it.streamID.set(f.Unsigned())
		case ctfir.MeaningStreamInstanceID:
			it.streamInstanceID.set(f.Unsigned())
		}
	case it.curScope == ctfir.ScopePacketContext:
		switch ft.Meaning {
		case ctfir.MeaningPacketSize:
			it.packetSize.set(f.Unsigned())
		case ctfir.MeaningContentSize:
			it.contentSize.set(f.Unsigned())
		case ctfir.MeaningPacketSeqNum:
			it.packetSeqNum.set(f.Unsigned())
		case ctfir.MeaningDiscardedEvents:
			it.discardedEvents.set(f.Unsigned())
		case ctfir.MeaningTimestampEnd:
			// Applied once the packet's events are out.
			it.curTimestampEnd = f
			return nil
		}
	case it.curScope == ctfir.ScopeEventHeader:
		if ft.Meaning == ctfir.MeaningEventClassID {
			it.eventID.set(f.Unsigned())
		}
	}
	it.updateClock(f)
	return nil
}

func (it *Iterator) onFloat(value float64, _ *ctfir.FloatType) error {
	f, err := it.nextField()
	if err != nil {
		return err
	}
	ffield, ok := f.(*ctfir.FloatField)
	if !ok {
		return fmt.Errorf("%w: expected a float field, got %v", ErrMalformed, f.Type().Kind())
	}
	ffield.SetValue(value)
	return nil
}

func (it *Iterator) onStringBegin(*ctfir.StringType) error {
	f, err := it.nextField()
	if err != nil {
		return err
	}
	sfield, ok := f.(*ctfir.StringField)
	if !ok {
		return fmt.Errorf("%w: expected a string field, got %v", ErrMalformed, f.Type().Kind())
	}
	sfield.Reset()
	it.curString = sfield
	return nil
}

func (it *Iterator) onString(chunk []byte, _ *ctfir.StringType) error {
	if it.curString == nil {
		return fmt.Errorf("%w: string chunk outside of a string", ErrMalformed)
	}
	it.curString.Append(string(chunk))
	return nil
}

func (it *Iterator) onStringEnd(*ctfir.StringType) error {
	it.curString = nil
	return nil
}

func (it *Iterator) onCompoundBegin(ft ctfir.CompoundType) error {
	var f ctfir.Field
	if len(it.stack) == 0 {
		f = ctfir.NewField(ft)
		it.scopes[it.curScope] = f
	} else {
		var err error
		if f, err = it.nextField(); err != nil {
			return err
		}
	}
	cfield, ok := f.(ctfir.CompoundField)
	if !ok {
		return fmt.Errorf("%w: expected a compound field, got %v", ErrMalformed, f.Type().Kind())
	}
	it.stack = append(it.stack, fieldFrame{base: cfield})
	return nil
}

func (it *Iterator) onCompoundEnd(ctfir.CompoundType) error {
	if len(it.stack) == 0 {
		return fmt.Errorf("%w: compound end without a compound", ErrMalformed)
	}
	it.stack[len(it.stack)-1] = fieldFrame{}
	it.stack = it.stack[:len(it.stack)-1]
	return nil
}

// lookup resolves a field path against the scopes decoded so far. The
// packet scopes belong to the current packet once it is announced.
func (it *Iterator) lookup(path ctfir.FieldPath) (ctfir.Field, error) {
	root := it.scopes[path.Root]
	if root == nil && it.packet != nil {
		switch path.Root {
		case ctfir.ScopePacketHeader:
			root = it.packet.Header
		case ctfir.ScopePacketContext:
			root = it.packet.Context
		}
	}
	return path.Lookup(root)
}

func (it *Iterator) sequenceLength(ft *ctfir.SequenceType) (int64, error) {
	seq, ok := it.top().(*ctfir.SequenceField)
	if !ok {
		return 0, fmt.Errorf("%w: sequence length asked outside of a sequence", ErrMalformed)
	}
	f, err := it.lookup(ft.LengthPath)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence length: %v", ErrMalformed, err)
	}
	ifield, err := integerOf(f)
	if err != nil {
		return 0, err
	}
	if !ifield.IsSet() {
		return 0, fmt.Errorf("%w: sequence length %v is not decoded yet", ErrMalformed, ft.LengthPath)
	}

	var length int64
	if ifield.IntegerType().Signed {
		length = ifield.Signed()
	} else {
		if ifield.Unsigned() > math.MaxInt64 {
			return 0, fmt.Errorf("%w: sequence length %d is too large", ErrMalformed, ifield.Unsigned())
		}
		length = int64(ifield.Unsigned())
	}
	if length < 0 {
		// Reported by the reader.
		return length, nil
	}
	if err := it.checkSequenceFits(ft, length); err != nil {
		return 0, err
	}
	if err := seq.SetLength(uint64(length)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return length, nil
}

// MAX_EMPTY_SEQUENCE_LENGTH bounds sequences whose elements may occupy no
// bit, as decoding them consumes no data.
const MAX_EMPTY_SEQUENCE_LENGTH = 1 << 16

// checkSequenceFits rejects sequences that cannot fit in what is left of the
// packet content, counting each element at its smallest size.
func (it *Iterator) checkSequenceFits(ft *ctfir.SequenceType, length int64) error {
	bits := minBits(ft.Element)
	if bits == 0 && length > MAX_EMPTY_SEQUENCE_LENGTH {
		return fmt.Errorf("%w: sequence of %d elements that may be empty exceeds %d elements",
			ErrMalformed, length, MAX_EMPTY_SEQUENCE_LENGTH)
	}
	if it.curContentSize < 0 {
		return nil
	}
	bits = max(bits, 1)
	left := uint64(it.curContentSize) - min(it.packetAt(), uint64(it.curContentSize))
	if uint64(length) > left/bits {
		return fmt.Errorf("%w: sequence of %d elements of at least %d bits exceeds the %d bits left in the packet",
			ErrMalformed, length, bits, left)
	}
	return nil
}

// minBits returns the fewest bits a field of type ft occupies, alignment
// aside. Sequences and variants may occupy none.
func minBits(ft ctfir.FieldType) uint64 {
	switch t := ft.(type) {
	case *ctfir.StringType:
		// The terminating NUL.
		return bitbuffer.BITS_PER_BYTE
	case ctfir.BasicType:
		return t.Size()
	case *ctfir.StructType:
		var sum uint64
		for _, m := range t.Members {
			sum += min(minBits(m.Type), math.MaxUint64-sum)
		}
		return sum
	case *ctfir.ArrayType:
		elem := minBits(t.Element)
		if elem != 0 && t.Length > math.MaxUint64/elem {
			return math.MaxUint64
		}
		return t.Length * elem
	}
	return 0
}

func (it *Iterator) variantOption(ft *ctfir.VariantType) (ctfir.FieldType, error) {
	variant, ok := it.top().(*ctfir.VariantField)
	if !ok {
		return nil, fmt.Errorf("%w: variant option asked outside of a variant", ErrMalformed)
	}
	tag, err := it.lookup(ft.TagPath)
	if err != nil {
		return nil, fmt.Errorf("%w: variant tag: %v", ErrMalformed, err)
	}
	if _, err := variant.SelectByTag(tag); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, ft.TagPath, err)
	}
	return ft.Options[variant.SelectedIndex()].Type, nil
}
