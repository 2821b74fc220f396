package notit

import (
	"fmt"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// Notification is one of *StreamBeginning, *PacketBeginning,
// *EventNotification, *PacketEnd or *StreamEnd.
//
// For a given stream, StreamBeginning comes first and StreamEnd last; every
// PacketBeginning is followed by the events of the packet and one PacketEnd.
type Notification interface {
	notification()
}

type StreamBeginning struct {
	Stream *ctfir.Stream
}

type PacketBeginning struct {
	Packet *ctfir.Packet
}

type EventNotification struct {
	Event *ctfir.Event
}

type PacketEnd struct {
	Packet *ctfir.Packet
}

type StreamEnd struct {
	Stream *ctfir.Stream
}

func (*StreamBeginning) notification()   {}
func (*PacketBeginning) notification()   {}
func (*EventNotification) notification() {}
func (*PacketEnd) notification()         {}
func (*StreamEnd) notification()         {}

func (n *StreamBeginning) String() string { return fmt.Sprintf("stream begin: %v", n.Stream) }
func (n *PacketBeginning) String() string { return fmt.Sprintf("packet begin: offset %d", n.Packet.Offset) }
func (n *EventNotification) String() string {
	return fmt.Sprintf("event: %v", n.Event)
}
func (n *PacketEnd) String() string { return fmt.Sprintf("packet end: offset %d", n.Packet.Offset) }
func (n *StreamEnd) String() string { return fmt.Sprintf("stream end: %v", n.Stream) }
