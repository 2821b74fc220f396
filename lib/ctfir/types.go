// Package ctfir holds the in-memory model the CTF decoder populates: field
// types (immutable descriptors of a binary layout), fields (mutable decoded
// values), trace metadata (trace, stream and event classes, clocks) and the
// runtime stream/packet/event objects.
//
// Field types form a closed set split in two groups. BasicType covers the
// leaves a decoder reads from the bit stream (integer, float, enumeration,
// string); CompoundType covers the containers it walks (structure, array,
// sequence, variant). Both groups are sealed so that a type switch over them
// is exhaustive.
package ctfir

import (
	"fmt"
)

// Kind identifies a field type.
type Kind int

const (
	KindInteger Kind = iota
	KindFloat
	KindEnum
	KindString
	KindStruct
	KindArray
	KindSequence
	KindVariant
)

var kindNames = [...]string{
	KindInteger:  "integer",
	KindFloat:    "float",
	KindEnum:     "enum",
	KindString:   "string",
	KindStruct:   "struct",
	KindArray:    "array",
	KindSequence: "sequence",
	KindVariant:  "variant",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ByteOrder of a basic field. Network is big endian.
type ByteOrder int

const (
	ByteOrderUnknown ByteOrder = iota
	LittleEndian
	BigEndian
	Network
)

// Native folds Network into BigEndian.
func (b ByteOrder) Native() ByteOrder {
	if b == Network {
		return BigEndian
	}
	return b
}

func (b ByteOrder) String() string {
	switch b {
	case LittleEndian:
		return "le"
	case BigEndian:
		return "be"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Meaning is an annotation on integer types telling the decoder that the
// decoded value drives a decision (class selection, packet bounds, clocks).
type Meaning int

const (
	MeaningNone Meaning = iota
	MeaningPacketMagic
	MeaningStreamClassID
	MeaningStreamInstanceID
	MeaningPacketSize
	MeaningContentSize
	MeaningTimestampEnd
	MeaningEventClassID
	MeaningPacketSeqNum
	MeaningDiscardedEvents
)

var meaningNames = [...]string{
	MeaningNone:             "none",
	MeaningPacketMagic:      "packet_magic",
	MeaningStreamClassID:    "stream_id",
	MeaningStreamInstanceID: "stream_instance_id",
	MeaningPacketSize:       "packet_size",
	MeaningContentSize:      "content_size",
	MeaningTimestampEnd:     "timestamp_end",
	MeaningEventClassID:     "event_id",
	MeaningPacketSeqNum:     "packet_seq_num",
	MeaningDiscardedEvents:  "events_discarded",
}

func (m Meaning) String() string {
	if m >= 0 && int(m) < len(meaningNames) {
		return meaningNames[m]
	}
	return fmt.Sprintf("Meaning(%d)", int(m))
}

// ParseMeaning is the inverse of Meaning.String.
func ParseMeaning(s string) (Meaning, error) {
	for i, name := range meaningNames {
		if name == s {
			return Meaning(i), nil
		}
	}
	return MeaningNone, fmt.Errorf("unknown meaning %q", s)
}

// Encoding of string and character integer data.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingUTF8
	EncodingASCII
)

// FieldType is implemented by every field type.
type FieldType interface {
	Kind() Kind
	// Alignment in bits, always >= 1.
	Alignment() uint64
	fieldType()
}

// BasicType is a leaf read directly from the bit stream.
type BasicType interface {
	FieldType
	// Size in bits. Strings are variable and report 0.
	Size() uint64
	ByteOrder() ByteOrder
	basicType()
}

// CompoundType is a container the decoder descends into.
type CompoundType interface {
	FieldType
	compoundType()
}

func defaultAlignment(align, size uint64) uint64 {
	if align > 0 {
		return align
	}
	if size%8 == 0 {
		return 8
	}
	return 1
}

// IntegerType describes a fixed-size two's complement or unsigned integer.
type IntegerType struct {
	Bits        uint64
	Align       uint64 // 0 selects the default
	Signed      bool
	Order       ByteOrder
	Base        int
	Encoding    Encoding
	Meaning     Meaning
	MappedClock *ClockClass
}

func (t *IntegerType) Kind() Kind           { return KindInteger }
func (t *IntegerType) Size() uint64         { return t.Bits }
func (t *IntegerType) ByteOrder() ByteOrder { return t.Order }
func (t *IntegerType) Alignment() uint64    { return defaultAlignment(t.Align, t.Bits) }
func (t *IntegerType) fieldType()           {}
func (t *IntegerType) basicType()           {}

// FloatType describes an IEEE-754 binary floating point number. The mantissa
// digit count includes the implicit leading bit, so a single precision float
// is {ExpDigits: 8, MantDigits: 24}.
type FloatType struct {
	ExpDigits  uint64
	MantDigits uint64
	Align      uint64
	Order      ByteOrder
}

// Single and Double precision shapes.
const (
	FloatSingleExp  = 8
	FloatSingleMant = 24
	FloatDoubleExp  = 11
	FloatDoubleMant = 53
)

func (t *FloatType) Kind() Kind           { return KindFloat }
func (t *FloatType) Size() uint64         { return t.ExpDigits + t.MantDigits }
func (t *FloatType) ByteOrder() ByteOrder { return t.Order }
func (t *FloatType) Alignment() uint64    { return defaultAlignment(t.Align, t.Size()) }
func (t *FloatType) fieldType()           {}
func (t *FloatType) basicType()           {}

// IsSingle reports whether the type is a 32-bit float.
func (t *FloatType) IsSingle() bool {
	return t.ExpDigits == FloatSingleExp && t.MantDigits == FloatSingleMant
}

// IsDouble reports whether the type is a 64-bit float.
func (t *FloatType) IsDouble() bool {
	return t.ExpDigits == FloatDoubleExp && t.MantDigits == FloatDoubleMant
}

// EnumMapping maps an inclusive range of container values to a label.
// Bounds are stored as int64; for unsigned containers they are read back
// as uint64 with the same bit pattern.
type EnumMapping struct {
	Label string
	Lower int64
	Upper int64
}

// EnumType is an integer whose values carry labels.
type EnumType struct {
	Container *IntegerType
	Mappings  []EnumMapping
}

func (t *EnumType) Kind() Kind           { return KindEnum }
func (t *EnumType) Size() uint64         { return t.Container.Size() }
func (t *EnumType) ByteOrder() ByteOrder { return t.Container.ByteOrder() }
func (t *EnumType) Alignment() uint64    { return t.Container.Alignment() }
func (t *EnumType) fieldType()           {}
func (t *EnumType) basicType()           {}

// LabelsForSigned returns the labels of every mapping containing v.
func (t *EnumType) LabelsForSigned(v int64) []string {
	var labels []string
	for _, m := range t.Mappings {
		if v >= m.Lower && v <= m.Upper {
			labels = append(labels, m.Label)
		}
	}
	return labels
}

// LabelsForUnsigned returns the labels of every mapping containing v.
func (t *EnumType) LabelsForUnsigned(v uint64) []string {
	var labels []string
	for _, m := range t.Mappings {
		if v >= uint64(m.Lower) && v <= uint64(m.Upper) {
			labels = append(labels, m.Label)
		}
	}
	return labels
}

// StringType is a NUL-terminated byte string.
type StringType struct {
	Encoding Encoding
}

func (t *StringType) Kind() Kind           { return KindString }
func (t *StringType) Size() uint64         { return 0 }
func (t *StringType) ByteOrder() ByteOrder { return ByteOrderUnknown }
func (t *StringType) Alignment() uint64    { return 8 }
func (t *StringType) fieldType()           {}
func (t *StringType) basicType()           {}

// StructMember is a named member of a structure.
type StructMember struct {
	Name string
	Type FieldType
}

// StructType is an ordered list of named members.
type StructType struct {
	Members  []StructMember
	MinAlign uint64
}

func (t *StructType) Kind() Kind { return KindStruct }

// Alignment is the largest of MinAlign and the members' alignments.
func (t *StructType) Alignment() uint64 {
	align := max(t.MinAlign, 1)
	for _, m := range t.Members {
		align = max(align, m.Type.Alignment())
	}
	return align
}

func (t *StructType) fieldType()    {}
func (t *StructType) compoundType() {}

// MemberIndex returns the index of the member called name, or -1.
func (t *StructType) MemberIndex(name string) int {
	for i, m := range t.Members {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// MemberByName returns the type of the member called name, or nil.
func (t *StructType) MemberByName(name string) FieldType {
	if i := t.MemberIndex(name); i >= 0 {
		return t.Members[i].Type
	}
	return nil
}

// ArrayType is a fixed-length list of elements.
type ArrayType struct {
	Length  uint64
	Element FieldType
}

func (t *ArrayType) Kind() Kind        { return KindArray }
func (t *ArrayType) Alignment() uint64 { return t.Element.Alignment() }
func (t *ArrayType) fieldType()        {}
func (t *ArrayType) compoundType()     {}

// SequenceType is a list whose length is the value of a previously decoded
// unsigned integer, located by LengthPath.
type SequenceType struct {
	LengthPath FieldPath
	Element    FieldType
}

func (t *SequenceType) Kind() Kind        { return KindSequence }
func (t *SequenceType) Alignment() uint64 { return t.Element.Alignment() }
func (t *SequenceType) fieldType()        {}
func (t *SequenceType) compoundType()     {}

// VariantOption is a named choice of a variant.
type VariantOption struct {
	Name string
	Type FieldType
}

// VariantType holds exactly one of its options, selected by the value of a
// previously decoded enumeration (by label) or integer (by index) located by
// TagPath.
type VariantType struct {
	TagPath FieldPath
	Options []VariantOption
}

func (t *VariantType) Kind() Kind { return KindVariant }

// Alignment of a variant is 1: the selected option aligns itself.
func (t *VariantType) Alignment() uint64 { return 1 }
func (t *VariantType) fieldType()        {}
func (t *VariantType) compoundType()     {}

// OptionIndex returns the index of the option called name, or -1.
func (t *VariantType) OptionIndex(name string) int {
	for i, o := range t.Options {
		if o.Name == name {
			return i
		}
	}
	return -1
}

// IsSigned reports whether a basic type delivers signed integer values.
func IsSigned(ft FieldType) bool {
	switch t := ft.(type) {
	case *IntegerType:
		return t.Signed
	case *EnumType:
		return t.Container.Signed
	}
	return false
}
