package ctfir

import (
	"errors"
	"fmt"
	"strings"
)

// Field is a decoded value of some field type.
type Field interface {
	Type() FieldType
	field()
}

// CompoundField is a field made of child fields.
type CompoundField interface {
	Field
	// Child returns the i-th child, or nil if it does not exist (yet).
	Child(i int) Field
	// Len returns the number of children.
	Len() int
}

// ErrNoOption is returned when a variant tag selects none of the options.
var ErrNoOption = errors.New("variant tag selects no option")

// NewField builds an empty field tree for ft. Structure members and array
// elements are created eagerly; sequence elements by Append; variant
// options on selection.
func NewField(ft FieldType) Field {
	switch t := ft.(type) {
	case *IntegerType:
		return &IntegerField{ft: t}
	case *EnumType:
		return &EnumField{ft: t, Container: &IntegerField{ft: t.Container}}
	case *FloatType:
		return &FloatField{ft: t}
	case *StringType:
		return &StringField{ft: t}
	case *StructType:
		f := &StructureField{ft: t, members: make([]Field, len(t.Members))}
		for i, m := range t.Members {
			f.members[i] = NewField(m.Type)
		}
		return f
	case *ArrayType:
		f := &ArrayField{ft: t, elements: make([]Field, t.Length)}
		for i := range f.elements {
			f.elements[i] = NewField(t.Element)
		}
		return f
	case *SequenceType:
		return &SequenceField{ft: t}
	case *VariantType:
		return &VariantField{ft: t, selected: -1}
	}
	return nil
}

// IntegerField holds an integer value. The raw bits are kept as uint64;
// Signed reinterprets them.
type IntegerField struct {
	ft    *IntegerType
	value uint64
	set   bool
}

func (f *IntegerField) Type() FieldType { return f.ft }
func (f *IntegerField) field()          {}

// IntegerType returns the field's type.
func (f *IntegerField) IntegerType() *IntegerType { return f.ft }

func (f *IntegerField) SetUnsigned(v uint64) {
	f.value = v
	f.set = true
}

func (f *IntegerField) SetSigned(v int64) {
	f.value = uint64(v)
	f.set = true
}

func (f *IntegerField) Unsigned() uint64 { return f.value }
func (f *IntegerField) Signed() int64    { return int64(f.value) }
func (f *IntegerField) IsSet() bool      { return f.set }

func (f *IntegerField) String() string {
	if f.ft.Signed {
		return fmt.Sprintf("%d", f.Signed())
	}
	if f.ft.Base == 16 {
		return fmt.Sprintf("%#x", f.value)
	}
	return fmt.Sprintf("%d", f.value)
}

// EnumField is an enumeration value; the number lives in Container.
type EnumField struct {
	ft        *EnumType
	Container *IntegerField
}

func (f *EnumField) Type() FieldType { return f.ft }
func (f *EnumField) field()          {}

// Labels returns the labels whose ranges contain the value.
func (f *EnumField) Labels() []string {
	if f.ft.Container.Signed {
		return f.ft.LabelsForSigned(f.Container.Signed())
	}
	return f.ft.LabelsForUnsigned(f.Container.Unsigned())
}

func (f *EnumField) String() string {
	labels := f.Labels()
	if len(labels) == 0 {
		return f.Container.String()
	}
	return fmt.Sprintf("%s (%s)", strings.Join(labels, "|"), f.Container)
}

// FloatField holds a floating point value.
type FloatField struct {
	ft    *FloatType
	value float64
}

func (f *FloatField) Type() FieldType    { return f.ft }
func (f *FloatField) field()             {}
func (f *FloatField) SetValue(v float64) { f.value = v }
func (f *FloatField) Value() float64     { return f.value }
func (f *FloatField) String() string     { return fmt.Sprintf("%g", f.value) }

// StringField accumulates a string delivered in chunks.
type StringField struct {
	ft  *StringType
	buf strings.Builder
}

func (f *StringField) Type() FieldType { return f.ft }
func (f *StringField) field()          {}
func (f *StringField) Append(s string) { f.buf.WriteString(s) }
func (f *StringField) Value() string   { return f.buf.String() }
func (f *StringField) String() string  { return fmt.Sprintf("%q", f.buf.String()) }
func (f *StringField) Reset()          { f.buf.Reset() }

// StructureField holds one field per member.
type StructureField struct {
	ft      *StructType
	members []Field
}

func (f *StructureField) Type() FieldType   { return f.ft }
func (f *StructureField) field()            {}
func (f *StructureField) Len() int          { return len(f.members) }
func (f *StructureField) Child(i int) Field { return at(f.members, i) }

// Member returns the field of the member called name, or nil.
func (f *StructureField) Member(name string) Field {
	return at(f.members, f.ft.MemberIndex(name))
}

func (f *StructureField) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, m := range f.ft.Members {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = %v", m.Name, f.members[i])
	}
	sb.WriteString("}")
	return sb.String()
}

// ArrayField holds a fixed number of elements.
type ArrayField struct {
	ft       *ArrayType
	elements []Field
}

func (f *ArrayField) Type() FieldType   { return f.ft }
func (f *ArrayField) field()            {}
func (f *ArrayField) Len() int          { return len(f.elements) }
func (f *ArrayField) Child(i int) Field { return at(f.elements, i) }
func (f *ArrayField) String() string    { return listString(f.elements) }

// Bytes returns the values of an array of 8-bit unsigned integers.
func (f *ArrayField) Bytes() ([]byte, error) {
	out := make([]byte, 0, len(f.elements))
	for i, e := range f.elements {
		ifield, ok := e.(*IntegerField)
		if !ok || ifield.ft.Bits != 8 || ifield.ft.Signed {
			return nil, fmt.Errorf("element %d is not an 8-bit unsigned integer", i)
		}
		out = append(out, byte(ifield.value))
	}
	return out, nil
}

// SequenceField holds a dynamically sized list of elements. The length
// comes from the data, so elements are created one by one with Append.
type SequenceField struct {
	ft       *SequenceType
	elements []Field
	length   uint64
	set      bool
}

func (f *SequenceField) Type() FieldType { return f.ft }
func (f *SequenceField) field()          {}

// Len returns the number of elements created so far.
func (f *SequenceField) Len() int          { return len(f.elements) }
func (f *SequenceField) Child(i int) Field { return at(f.elements, i) }
func (f *SequenceField) IsSet() bool       { return f.set }
func (f *SequenceField) String() string    { return listString(f.elements) }

// Length returns the length given to SetLength.
func (f *SequenceField) Length() uint64 { return f.length }

// SetLength sets the number of elements. It may be called only once.
func (f *SequenceField) SetLength(length uint64) error {
	if f.set {
		return errors.New("sequence length is already set")
	}
	f.length = length
	f.set = true
	return nil
}

// Append creates the next element. It returns nil once Length elements
// exist.
func (f *SequenceField) Append() Field {
	if !f.set || uint64(len(f.elements)) >= f.length {
		return nil
	}
	e := NewField(f.ft.Element)
	f.elements = append(f.elements, e)
	return e
}

// VariantField holds the selected option of a variant.
type VariantField struct {
	ft       *VariantType
	selected int
	current  Field
}

func (f *VariantField) Type() FieldType { return f.ft }
func (f *VariantField) field()          {}

// Len is 1 once an option is selected.
func (f *VariantField) Len() int {
	if f.current == nil {
		return 0
	}
	return 1
}

// Child returns the selected option whatever i is.
func (f *VariantField) Child(int) Field { return f.current }

// Selected returns the selected option's field, or nil.
func (f *VariantField) Selected() Field { return f.current }

// SelectedIndex returns the selected option's index, or -1.
func (f *VariantField) SelectedIndex() int { return f.selected }

// SelectByTag selects the option named by an enumeration tag's label, or
// indexed by an integer tag's value, and creates its field.
func (f *VariantField) SelectByTag(tag Field) (Field, error) {
	index := -1
	switch t := tag.(type) {
	case *EnumField:
		for _, label := range t.Labels() {
			if index = f.ft.OptionIndex(label); index >= 0 {
				break
			}
		}
	case *IntegerField:
		if v := t.Unsigned(); v < uint64(len(f.ft.Options)) {
			index = int(v)
		}
	default:
		return nil, fmt.Errorf("variant tag must be an enum or an integer, got %v", kindOf(tag.Type()))
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: tag %v", ErrNoOption, tag)
	}
	f.selected = index
	f.current = NewField(f.ft.Options[index].Type)
	return f.current, nil
}

func (f *VariantField) String() string {
	if f.current == nil {
		return "<unset>"
	}
	return fmt.Sprintf("%s: %v", f.ft.Options[f.selected].Name, f.current)
}

func at(fields []Field, i int) Field {
	if i < 0 || i >= len(fields) {
		return nil
	}
	return fields[i]
}

func listString(fields []Field) string {
	parts := make([]string, len(fields))
	for i, e := range fields {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
