package notit

import "fmt"

// State of the iterator. The order of the constants is the decoding order
// of a packet.
type State int

const (
	StateInit State = iota
	StatePacketHeaderBegin
	StatePacketHeaderContinue
	StateAfterPacketHeader
	StatePacketContextBegin
	StatePacketContextContinue
	StateAfterPacketContext
	StateEmitNewStream
	StateEmitNewPacket
	StateEventHeaderBegin
	StateEventHeaderContinue
	StateAfterEventHeader
	StateEventCommonContextBegin
	StateEventCommonContextContinue
	StateEventSpecificContextBegin
	StateEventSpecificContextContinue
	StateEventPayloadBegin
	StateEventPayloadContinue
	StateEmitEvent
	StateEmitEndOfPacket
	StateSkipPacketPadding
	StateEmitEndOfStream
	StateDone
)

var stateNames = [...]string{
	StateInit:                         "INIT",
	StatePacketHeaderBegin:            "DSCOPE_TRACE_PACKET_HEADER_BEGIN",
	StatePacketHeaderContinue:         "DSCOPE_TRACE_PACKET_HEADER_CONTINUE",
	StateAfterPacketHeader:            "AFTER_TRACE_PACKET_HEADER",
	StatePacketContextBegin:           "DSCOPE_STREAM_PACKET_CONTEXT_BEGIN",
	StatePacketContextContinue:        "DSCOPE_STREAM_PACKET_CONTEXT_CONTINUE",
	StateAfterPacketContext:           "AFTER_STREAM_PACKET_CONTEXT",
	StateEmitNewStream:                "EMIT_NEW_STREAM",
	StateEmitNewPacket:                "EMIT_NEW_PACKET",
	StateEventHeaderBegin:             "DSCOPE_EVENT_HEADER_BEGIN",
	StateEventHeaderContinue:          "DSCOPE_EVENT_HEADER_CONTINUE",
	StateAfterEventHeader:             "AFTER_EVENT_HEADER",
	StateEventCommonContextBegin:      "DSCOPE_EVENT_COMMON_CONTEXT_BEGIN",
	StateEventCommonContextContinue:   "DSCOPE_EVENT_COMMON_CONTEXT_CONTINUE",
	StateEventSpecificContextBegin:    "DSCOPE_EVENT_SPEC_CONTEXT_BEGIN",
	StateEventSpecificContextContinue: "DSCOPE_EVENT_SPEC_CONTEXT_CONTINUE",
	StateEventPayloadBegin:            "DSCOPE_EVENT_PAYLOAD_BEGIN",
	StateEventPayloadContinue:         "DSCOPE_EVENT_PAYLOAD_CONTINUE",
	StateEmitEvent:                    "EMIT_EVENT",
	StateEmitEndOfPacket:              "EMIT_END_OF_PACKET",
	StateSkipPacketPadding:            "SKIP_PACKET_PADDING",
	StateEmitEndOfStream:              "EMIT_END_OF_STREAM",
	StateDone:                         "DONE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
