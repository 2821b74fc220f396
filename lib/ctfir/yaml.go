package ctfir

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// The YAML trace description mirrors the structure of CTF metadata:
//
//	name: demo
//	uuid: 2a6422d0-6cee-11e0-8c08-cb07d7b3a564
//	byte_order: le
//	clocks:
//	  - {name: monotonic, frequency: 1000000000}
//	packet_header:
//	  class: struct
//	  fields:
//	    - {name: magic, class: integer, size: 32}
//	    - {name: stream_id, class: integer, size: 8}
//	streams:
//	  - id: 0
//	    packet_context: {class: struct, fields: [...]}
//	    event_header: {class: struct, fields: [...]}
//	    events:
//	      - {id: 0, name: hello, fields: {class: struct, fields: [...]}}
//
// Sequence lengths and variant tags are absolute TSDL paths such as
// "event.fields.len". Integers without an explicit meaning get one from
// their well-known CTF name (magic, stream_id, packet_size, id, ...).

type traceNode struct {
	Name         string       `yaml:"name"`
	UUID         string       `yaml:"uuid,omitempty"`
	ByteOrder    string       `yaml:"byte_order,omitempty"`
	Clocks       []clockNode  `yaml:"clocks,omitempty"`
	PacketHeader *typeNode    `yaml:"packet_header,omitempty"`
	Streams      []streamNode `yaml:"streams"`
}

type clockNode struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description,omitempty"`
	Frequency     uint64 `yaml:"frequency,omitempty"`
	OffsetSeconds int64  `yaml:"offset_seconds,omitempty"`
	OffsetCycles  uint64 `yaml:"offset_cycles,omitempty"`
	UUID          string `yaml:"uuid,omitempty"`
	Absolute      bool   `yaml:"absolute,omitempty"`
}

type streamNode struct {
	ID            uint64      `yaml:"id"`
	Name          string      `yaml:"name,omitempty"`
	PacketContext *typeNode   `yaml:"packet_context,omitempty"`
	EventHeader   *typeNode   `yaml:"event_header,omitempty"`
	EventContext  *typeNode   `yaml:"event_context,omitempty"`
	Events        []eventNode `yaml:"events"`
}

type eventNode struct {
	ID       uint64    `yaml:"id"`
	Name     string    `yaml:"name"`
	LogLevel int       `yaml:"loglevel,omitempty"`
	Context  *typeNode `yaml:"context,omitempty"`
	Fields   *typeNode `yaml:"fields,omitempty"`
}

type typeNode struct {
	Class     string        `yaml:"class"`
	Size      uint64        `yaml:"size,omitempty"`
	Align     uint64        `yaml:"align,omitempty"`
	Signed    bool          `yaml:"signed,omitempty"`
	ByteOrder string        `yaml:"byte_order,omitempty"`
	Base      int           `yaml:"base,omitempty"`
	Encoding  string        `yaml:"encoding,omitempty"`
	Meaning   string        `yaml:"meaning,omitempty"`
	Map       string        `yaml:"map,omitempty"`
	ExpDig    uint64        `yaml:"exp_dig,omitempty"`
	MantDig   uint64        `yaml:"mant_dig,omitempty"`
	Container *typeNode     `yaml:"container,omitempty"`
	Mappings  []mappingNode `yaml:"mappings,omitempty"`
	Fields    []memberNode  `yaml:"fields,omitempty"`
	Length    uint64        `yaml:"length,omitempty"`
	LengthOf  string        `yaml:"length_field,omitempty"`
	Element   *typeNode     `yaml:"element,omitempty"`
	Tag       string        `yaml:"tag,omitempty"`
	Options   []memberNode  `yaml:"options,omitempty"`
}

type memberNode struct {
	Name     string `yaml:"name"`
	typeNode `yaml:",inline"`
}

type mappingNode struct {
	Label string `yaml:"label"`
	Start int64  `yaml:"start"`
	End   *int64 `yaml:"end,omitempty"`
}

// Names that carry a meaning when found at the root of a scope.
var wellKnownNames = map[Scope]map[string]Meaning{
	ScopePacketHeader: {
		"magic":              MeaningPacketMagic,
		"stream_id":          MeaningStreamClassID,
		"stream_instance_id": MeaningStreamInstanceID,
	},
	ScopePacketContext: {
		"packet_size":      MeaningPacketSize,
		"content_size":     MeaningContentSize,
		"timestamp_end":    MeaningTimestampEnd,
		"packet_seq_num":   MeaningPacketSeqNum,
		"events_discarded": MeaningDiscardedEvents,
	},
	ScopeEventHeader: {
		"id": MeaningEventClassID,
	},
}

type pendingPath struct {
	path     string
	sequence *SequenceType
	variant  *VariantType
}

type loader struct {
	trace     *Trace
	byteOrder ByteOrder
	pending   []pendingPath
	roots     [NumScopes]FieldType
}

// LoadYAML builds and validates a trace from its YAML description.
func LoadYAML(data []byte) (*Trace, error) {
	var node traceNode
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decoding trace description: %w", err)
	}

	l := &loader{trace: NewTrace(node.Name), byteOrder: LittleEndian}
	if node.UUID != "" {
		id, err := uuid.Parse(node.UUID)
		if err != nil {
			return nil, fmt.Errorf("trace uuid: %w", err)
		}
		l.trace.UUID = id
	}
	if node.ByteOrder != "" {
		bo, err := l.parseByteOrder(node.ByteOrder)
		if err != nil {
			return nil, err
		}
		l.byteOrder = bo
	}
	for _, cn := range node.Clocks {
		cc := &ClockClass{
			Name:          cn.Name,
			Description:   cn.Description,
			Frequency:     cn.Frequency,
			OffsetSeconds: cn.OffsetSeconds,
			OffsetCycles:  cn.OffsetCycles,
			Absolute:      cn.Absolute,
		}
		if cn.UUID != "" {
			id, err := uuid.Parse(cn.UUID)
			if err != nil {
				return nil, fmt.Errorf("clock %q uuid: %w", cn.Name, err)
			}
			cc.UUID = id
		}
		if err := l.trace.AddClockClass(cc); err != nil {
			return nil, err
		}
	}

	var err error
	if l.trace.PacketHeaderType, err = l.scope(ScopePacketHeader, node.PacketHeader); err != nil {
		return nil, err
	}
	for _, sn := range node.Streams {
		if err := l.stream(sn); err != nil {
			return nil, err
		}
	}
	if err := l.trace.Validate(); err != nil {
		return nil, err
	}
	return l.trace, nil
}

func (l *loader) stream(sn streamNode) error {
	sc := NewStreamClass(sn.ID)
	sc.Name = sn.Name
	var err error
	if sc.PacketContextType, err = l.scope(ScopePacketContext, sn.PacketContext); err != nil {
		return fmt.Errorf("stream class %d: %w", sn.ID, err)
	}
	if sc.EventHeaderType, err = l.scope(ScopeEventHeader, sn.EventHeader); err != nil {
		return fmt.Errorf("stream class %d: %w", sn.ID, err)
	}
	if sc.EventContextType, err = l.scope(ScopeEventCommonContext, sn.EventContext); err != nil {
		return fmt.Errorf("stream class %d: %w", sn.ID, err)
	}
	for _, en := range sn.Events {
		ec := &EventClass{ID: en.ID, Name: en.Name, LogLevel: en.LogLevel}
		if ec.ContextType, err = l.scope(ScopeEventSpecificContext, en.Context); err != nil {
			return fmt.Errorf("event class %q: %w", en.Name, err)
		}
		if ec.PayloadType, err = l.scope(ScopeEventPayload, en.Fields); err != nil {
			return fmt.Errorf("event class %q: %w", en.Name, err)
		}
		if err := sc.AddEventClass(ec); err != nil {
			return err
		}
	}
	return l.trace.AddStreamClass(sc)
}

// scope builds the root type of a scope, applies well-known meanings and
// resolves the paths its sequences and variants refer to.
func (l *loader) scope(scope Scope, node *typeNode) (FieldType, error) {
	l.roots[scope] = nil
	if node == nil {
		return nil, nil
	}
	ft, err := l.build(node)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", scope, err)
	}
	l.roots[scope] = ft
	if st, ok := ft.(*StructType); ok {
		l.applyMeanings(scope, st)
	}
	pending := l.pending
	l.pending = nil
	for _, p := range pending {
		if err := l.resolve(p); err != nil {
			return nil, err
		}
	}
	return ft, nil
}

func (l *loader) applyMeanings(scope Scope, st *StructType) {
	names := wellKnownNames[scope]
	for _, m := range st.Members {
		var it *IntegerType
		switch t := m.Type.(type) {
		case *IntegerType:
			it = t
		case *EnumType:
			it = t.Container
		case *VariantType:
			// LTTng extended event headers keep a second id in a variant option.
			if scope == ScopeEventHeader {
				for _, o := range t.Options {
					if ost, ok := o.Type.(*StructType); ok {
						l.applyMeanings(scope, ost)
					}
				}
			}
		}
		if it == nil {
			continue
		}
		if meaning, ok := names[m.Name]; ok && it.Meaning == MeaningNone {
			it.Meaning = meaning
		}
		// A single clock is the implicit target of timestamp fields.
		if it.MappedClock == nil && len(l.trace.clocks) == 1 && isTimestampName(m.Name) {
			it.MappedClock = l.trace.clocks[0]
		}
	}
}

func isTimestampName(name string) bool {
	return name == "timestamp" || name == "timestamp_begin" || name == "timestamp_end"
}

func (l *loader) resolve(p pendingPath) error {
	scope, names, err := SplitPath(p.path)
	if err != nil {
		return err
	}
	root := l.roots[scope]
	if root == nil {
		return fmt.Errorf("path %q: scope %s is not declared", p.path, scope)
	}
	fp, err := ResolveNames(scope, root, names)
	if err != nil {
		return fmt.Errorf("path %q: %w", p.path, err)
	}
	if p.sequence != nil {
		p.sequence.LengthPath = fp
	} else {
		p.variant.TagPath = fp
	}
	return nil
}

func (l *loader) parseByteOrder(s string) (ByteOrder, error) {
	switch s {
	case "", "native":
		return l.byteOrder, nil
	case "le", "little", "little_endian":
		return LittleEndian, nil
	case "be", "big", "big_endian":
		return BigEndian, nil
	case "network":
		return Network, nil
	}
	return ByteOrderUnknown, fmt.Errorf("unknown byte order %q", s)
}

func parseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "none":
		return EncodingNone, nil
	case "utf8", "UTF8":
		return EncodingUTF8, nil
	case "ascii", "ASCII":
		return EncodingASCII, nil
	}
	return EncodingNone, fmt.Errorf("unknown encoding %q", s)
}

func (l *loader) build(node *typeNode) (FieldType, error) {
	switch node.Class {
	case "integer":
		return l.integer(node)
	case "float", "floating_point":
		bo, err := l.parseByteOrder(node.ByteOrder)
		if err != nil {
			return nil, err
		}
		ft := &FloatType{ExpDigits: node.ExpDig, MantDigits: node.MantDig, Align: node.Align, Order: bo}
		if ft.ExpDigits == 0 && ft.MantDigits == 0 {
			switch node.Size {
			case 32:
				ft.ExpDigits, ft.MantDigits = FloatSingleExp, FloatSingleMant
			case 64:
				ft.ExpDigits, ft.MantDigits = FloatDoubleExp, FloatDoubleMant
			}
		}
		return ft, nil
	case "enum":
		if node.Container == nil {
			return nil, fmt.Errorf("enum without container")
		}
		container, err := l.integer(node.Container)
		if err != nil {
			return nil, err
		}
		ft := &EnumType{Container: container}
		for _, m := range node.Mappings {
			end := m.Start
			if m.End != nil {
				end = *m.End
			}
			ft.Mappings = append(ft.Mappings, EnumMapping{Label: m.Label, Lower: m.Start, Upper: end})
		}
		return ft, nil
	case "string":
		enc, err := parseEncoding(node.Encoding)
		if err != nil {
			return nil, err
		}
		return &StringType{Encoding: enc}, nil
	case "struct":
		ft := &StructType{MinAlign: node.Align}
		for _, m := range node.Fields {
			member, err := l.build(&m.typeNode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Name, err)
			}
			ft.Members = append(ft.Members, StructMember{Name: m.Name, Type: member})
		}
		return ft, nil
	case "array":
		element, err := l.element(node)
		if err != nil {
			return nil, err
		}
		return &ArrayType{Length: node.Length, Element: element}, nil
	case "sequence":
		element, err := l.element(node)
		if err != nil {
			return nil, err
		}
		if node.LengthOf == "" {
			return nil, fmt.Errorf("sequence without length_field")
		}
		ft := &SequenceType{Element: element}
		l.pending = append(l.pending, pendingPath{path: node.LengthOf, sequence: ft})
		return ft, nil
	case "variant":
		if node.Tag == "" {
			return nil, fmt.Errorf("variant without tag")
		}
		ft := &VariantType{}
		for _, o := range node.Options {
			option, err := l.build(&o.typeNode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", o.Name, err)
			}
			ft.Options = append(ft.Options, VariantOption{Name: o.Name, Type: option})
		}
		l.pending = append(l.pending, pendingPath{path: node.Tag, variant: ft})
		return ft, nil
	}
	return nil, fmt.Errorf("unknown field class %q", node.Class)
}

func (l *loader) element(node *typeNode) (FieldType, error) {
	if node.Element == nil {
		return nil, fmt.Errorf("%s without element", node.Class)
	}
	return l.build(node.Element)
}

func (l *loader) integer(node *typeNode) (*IntegerType, error) {
	if node.Class != "integer" {
		return nil, fmt.Errorf("expected an integer, got %q", node.Class)
	}
	bo, err := l.parseByteOrder(node.ByteOrder)
	if err != nil {
		return nil, err
	}
	enc, err := parseEncoding(node.Encoding)
	if err != nil {
		return nil, err
	}
	ft := &IntegerType{
		Bits:     node.Size,
		Align:    node.Align,
		Signed:   node.Signed,
		Order:    bo,
		Base:     node.Base,
		Encoding: enc,
	}
	if ft.Base == 0 {
		ft.Base = 10
	}
	if node.Meaning != "" {
		if ft.Meaning, err = ParseMeaning(node.Meaning); err != nil {
			return nil, err
		}
	}
	if node.Map != "" {
		if ft.MappedClock = l.trace.ClockClassByName(node.Map); ft.MappedClock == nil {
			return nil, fmt.Errorf("integer mapped to unknown clock %q", node.Map)
		}
	}
	return ft, nil
}
