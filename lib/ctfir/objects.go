package ctfir

import "fmt"

// Stream is a runtime stream: a sequence of packets of one stream class.
type Stream struct {
	Class *StreamClass
	// InstanceID is the stream_instance_id of the packets, -1 if unknown.
	InstanceID int64
	Name       string
}

// NewStream creates a stream of class sc.
func NewStream(sc *StreamClass, instanceID int64) *Stream {
	return &Stream{Class: sc, InstanceID: instanceID}
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream(class=%d, instance=%d)", s.Class.ID, s.InstanceID)
}

// Packet owns its decoded header and context scopes.
type Packet struct {
	Stream  *Stream
	Header  Field
	Context Field
	// Offset of the packet in the medium, in bytes; -1 if unknown.
	Offset int64
	// Size and ContentSize in bits; -1 if unknown.
	Size        int64
	ContentSize int64
	// Sequence number of the packet in its stream and count of events the
	// tracer discarded so far; -1 if unknown.
	SeqNum          int64
	DiscardedEvents int64
}

// Event owns its decoded scopes. ClockValues holds the value of every clock
// when the event was decoded.
type Event struct {
	Class           *EventClass
	Packet          *Packet
	Header          Field
	CommonContext   Field
	SpecificContext Field
	Payload         Field
	ClockValues     map[*ClockClass]uint64
}

// ClockValue returns the value of clock cc at this event.
func (e *Event) ClockValue(cc *ClockClass) (uint64, bool) {
	v, ok := e.ClockValues[cc]
	return v, ok
}

func (e *Event) String() string {
	return fmt.Sprintf("%s: %v", e.Class.Name, e.Payload)
}
