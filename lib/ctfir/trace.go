package ctfir

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ClockClass describes a clock that integer fields may be mapped to.
type ClockClass struct {
	Name        string
	Description string
	// Frequency in Hz.
	Frequency uint64
	// Offset from the origin, in seconds plus cycles.
	OffsetSeconds int64
	OffsetCycles  uint64
	UUID          uuid.UUID
	Absolute      bool
}

// CyclesToNanoseconds converts a clock value to nanoseconds from the origin,
// offsets included.
func (c *ClockClass) CyclesToNanoseconds(cycles uint64) int64 {
	freq := c.Frequency
	if freq == 0 {
		freq = 1_000_000_000
	}
	total := cycles + c.OffsetCycles
	ns := c.OffsetSeconds * 1_000_000_000
	if freq == 1_000_000_000 {
		return ns + int64(total)
	}
	return ns + int64(float64(total)*1e9/float64(freq))
}

// EventClass describes the layout of one kind of event.
type EventClass struct {
	ID          uint64
	Name        string
	LogLevel    int
	ContextType FieldType
	PayloadType FieldType
}

// StreamClass describes a family of streams sharing a layout.
type StreamClass struct {
	ID                uint64
	Name              string
	PacketContextType FieldType
	EventHeaderType   FieldType
	EventContextType  FieldType

	trace  *Trace
	events map[uint64]*EventClass
	ids    []uint64
}

// NewStreamClass creates an empty stream class.
func NewStreamClass(id uint64) *StreamClass {
	return &StreamClass{ID: id, events: make(map[uint64]*EventClass)}
}

// Trace returns the trace the class was added to, or nil.
func (sc *StreamClass) Trace() *Trace { return sc.trace }

// AddEventClass registers ec under its ID.
func (sc *StreamClass) AddEventClass(ec *EventClass) error {
	if _, ok := sc.events[ec.ID]; ok {
		return fmt.Errorf("stream class %d: duplicate event class id %d", sc.ID, ec.ID)
	}
	sc.events[ec.ID] = ec
	i, _ := slices.BinarySearch(sc.ids, ec.ID)
	sc.ids = slices.Insert(sc.ids, i, ec.ID)
	return nil
}

// EventClassByID returns the event class with the given ID, or nil.
func (sc *StreamClass) EventClassByID(id uint64) *EventClass {
	return sc.events[id]
}

// EventClassCount returns the number of event classes.
func (sc *StreamClass) EventClassCount() int { return len(sc.ids) }

// EventClasses returns the event classes ordered by ID.
func (sc *StreamClass) EventClasses() []*EventClass {
	out := make([]*EventClass, len(sc.ids))
	for i, id := range sc.ids {
		out[i] = sc.events[id]
	}
	return out
}

// Trace is the root of the metadata: a packet header layout, stream classes
// and clock classes.
type Trace struct {
	Name string
	// UUID of the trace; uuid.Nil when the trace declares none.
	UUID             uuid.UUID
	PacketHeaderType FieldType

	streams map[uint64]*StreamClass
	ids     []uint64
	clocks  []*ClockClass
}

// NewTrace creates an empty trace.
func NewTrace(name string) *Trace {
	return &Trace{Name: name, streams: make(map[uint64]*StreamClass)}
}

// AddStreamClass registers sc under its ID.
func (t *Trace) AddStreamClass(sc *StreamClass) error {
	if _, ok := t.streams[sc.ID]; ok {
		return fmt.Errorf("trace %q: duplicate stream class id %d", t.Name, sc.ID)
	}
	if sc.trace != nil && sc.trace != t {
		return fmt.Errorf("stream class %d already belongs to trace %q", sc.ID, sc.trace.Name)
	}
	sc.trace = t
	t.streams[sc.ID] = sc
	i, _ := slices.BinarySearch(t.ids, sc.ID)
	t.ids = slices.Insert(t.ids, i, sc.ID)
	return nil
}

// StreamClassByID returns the stream class with the given ID, or nil.
func (t *Trace) StreamClassByID(id uint64) *StreamClass {
	return t.streams[id]
}

// StreamClassCount returns the number of stream classes.
func (t *Trace) StreamClassCount() int { return len(t.ids) }

// StreamClasses returns the stream classes ordered by ID.
func (t *Trace) StreamClasses() []*StreamClass {
	out := make([]*StreamClass, len(t.ids))
	for i, id := range t.ids {
		out[i] = t.streams[id]
	}
	return out
}

// AddClockClass registers a clock class. Names must be unique.
func (t *Trace) AddClockClass(cc *ClockClass) error {
	if t.ClockClassByName(cc.Name) != nil {
		return fmt.Errorf("trace %q: duplicate clock class %q", t.Name, cc.Name)
	}
	t.clocks = append(t.clocks, cc)
	return nil
}

// ClockClassByName returns the clock class called name, or nil.
func (t *Trace) ClockClassByName(name string) *ClockClass {
	for _, cc := range t.clocks {
		if cc.Name == name {
			return cc
		}
	}
	return nil
}

// ClockClasses returns the registered clock classes.
func (t *Trace) ClockClasses() []*ClockClass { return t.clocks }

// Validate checks that every field type of the trace can be decoded. All
// problems are reported, combined with multierr.
func (t *Trace) Validate() error {
	var err error
	if len(t.ids) == 0 {
		err = multierr.Append(err, errors.New("trace has no stream class"))
	}
	err = multierr.Append(err, t.validateScope("packet header", t.PacketHeaderType))
	for _, sc := range t.StreamClasses() {
		prefix := fmt.Sprintf("stream class %d ", sc.ID)
		err = multierr.Append(err, t.validateScope(prefix+"packet context", sc.PacketContextType))
		err = multierr.Append(err, t.validateScope(prefix+"event header", sc.EventHeaderType))
		err = multierr.Append(err, t.validateScope(prefix+"event context", sc.EventContextType))
		for _, ec := range sc.EventClasses() {
			eprefix := fmt.Sprintf("%sevent class %d (%s) ", prefix, ec.ID, ec.Name)
			err = multierr.Append(err, t.validateScope(eprefix+"context", ec.ContextType))
			err = multierr.Append(err, t.validateScope(eprefix+"payload", ec.PayloadType))
		}
	}
	return err
}

func (t *Trace) validateScope(where string, ft FieldType) error {
	if ft == nil {
		return nil
	}
	if _, ok := ft.(*StructType); !ok {
		return fmt.Errorf("%s: scope root must be a struct, got %v", where, ft.Kind())
	}
	return t.validateType(where, ft)
}

func (t *Trace) validateType(where string, ft FieldType) error {
	switch v := ft.(type) {
	case nil:
		return fmt.Errorf("%s: missing field type", where)
	case *IntegerType:
		var err error
		if v.Bits == 0 || v.Bits > 64 {
			err = multierr.Append(err, fmt.Errorf("%s: integer size %d is not in [1, 64]", where, v.Bits))
		}
		if v.Align&(v.Align-1) != 0 {
			err = multierr.Append(err, fmt.Errorf("%s: alignment %d is not a power of two", where, v.Align))
		}
		if v.MappedClock != nil && !slices.Contains(t.clocks, v.MappedClock) {
			err = multierr.Append(err, fmt.Errorf("%s: mapped clock %q is not part of the trace", where, v.MappedClock.Name))
		}
		return err
	case *FloatType:
		if !v.IsSingle() && !v.IsDouble() {
			return fmt.Errorf("%s: float with %d exponent and %d mantissa digits is not decodable", where, v.ExpDigits, v.MantDigits)
		}
	case *EnumType:
		if v.Container == nil {
			return fmt.Errorf("%s: enum has no container type", where)
		}
		return t.validateType(where, v.Container)
	case *StringType:
	case *StructType:
		var err error
		for _, m := range v.Members {
			err = multierr.Append(err, t.validateType(where+"."+m.Name, m.Type))
		}
		return err
	case *ArrayType:
		return t.validateType(where+"[]", v.Element)
	case *SequenceType:
		return t.validateType(where+"[]", v.Element)
	case *VariantType:
		if len(v.Options) == 0 {
			return fmt.Errorf("%s: variant has no option", where)
		}
		var err error
		for _, o := range v.Options {
			err = multierr.Append(err, t.validateType(where+"."+o.Name, o.Type))
		}
		return err
	}
	return nil
}
