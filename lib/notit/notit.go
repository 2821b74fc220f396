// Package notit turns the packets of a CTF stream into notifications.
//
// An Iterator pulls bytes from a Medium, decodes each dynamic scope of each
// packet with a btr.Reader and emits, in order, a StreamBeginning, then for
// every packet a PacketBeginning, its events and a PacketEnd, and finally a
// StreamEnd:
//
//	it, err := notit.New(trace, 4096, medium)
//	for {
//	    n, err := it.Next()
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// Decoding never blocks: when the medium returns ErrAgain, Next returns
// ErrAgain and a later call resumes where the iterator stopped.
//
// An Iterator is NOT thread-safe.
package notit

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thebagchi/ctf-go/lib/bitbuffer"
	"github.com/thebagchi/ctf-go/lib/btr"
	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// Option configures an Iterator.
type Option func(*Iterator)

// WithLogger sets the logger of the iterator and of its reader.
func WithLogger(logger *zap.Logger) Option {
	return func(it *Iterator) {
		it.logger = logger
	}
}

// buffer is the last block of bytes returned by the medium.
//
// Fields:
//
//	data: the block, borrowed from the medium
//	at: bits of data consumed
//	packetOffset: packet position of data[0], in bits
type buffer struct {
	data         []byte
	at           uint64
	packetOffset uint64
}

func (b *buffer) available() uint64 {
	return uint64(len(b.data))*bitbuffer.BITS_PER_BYTE - b.at
}

// Iterator decodes a sequence of packets into notifications.
type Iterator struct {
	trace          *ctfir.Trace
	maxRequestSize int
	medium         Medium
	logger         *zap.Logger
	metrics        metrics

	reader *btr.Reader
	state  State
	buf    buffer

	// Scope being decoded and the fields being filled.
	curScope  ctfir.Scope
	stack     []fieldFrame
	curString *ctfir.StringField
	scopes    [ctfir.NumScopes]ctfir.Field

	// States a scope decode moves to when it completes or needs more data.
	doneState     State
	continueState State

	streamID         optional
	streamInstanceID optional
	packetSize       optional
	contentSize      optional
	packetSeqNum     optional
	discardedEvents  optional
	eventID          optional
	curTimestampEnd  *ctfir.IntegerField

	streamClass *ctfir.StreamClass
	eventClass  *ctfir.EventClass
	stream      *ctfir.Stream
	packet      *ctfir.Packet
	streamOpen  bool
	packetOpen  bool
	mediumEOF   bool

	clocks map[*ctfir.ClockClass]uint64

	// Packet position where the current event header starts, -1 if none.
	lastEventAt int64

	// Sizes of the current packet in bits, -1 if unknown.
	curPacketSize  int64
	curContentSize int64
	// Offset of the current packet in the medium, in bytes.
	curPacketOffset int64
}

// New creates an iterator decoding packets of trace from medium, asking for
// at most maxRequestSize bytes at a time.
func New(trace *ctfir.Trace, maxRequestSize int, medium Medium, opts ...Option) (*Iterator, error) {
	if trace == nil {
		return nil, fmt.Errorf("%w: nil trace", ErrInvalid)
	}
	if medium == nil {
		return nil, fmt.Errorf("%w: nil medium", ErrInvalid)
	}
	if maxRequestSize <= 0 {
		return nil, fmt.Errorf("%w: max request size %d", ErrInvalid, maxRequestSize)
	}
	if err := trace.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	it := &Iterator{
		trace:          trace,
		maxRequestSize: maxRequestSize,
		medium:         medium,
		logger:         zap.NewNop(),
		metrics:        newMetrics(trace.Name),
		clocks:         make(map[*ctfir.ClockClass]uint64),
	}
	for _, opt := range opts {
		opt(it)
	}
	it.reader = btr.New(it.callbacks(), btr.WithLogger(it.logger.Named("btr")))
	it.Reset()
	return it, nil
}

// State returns the current state.
func (it *Iterator) State() State { return it.state }

// CurrentPacketOffset returns the offset of the current packet in the
// medium, in bytes.
func (it *Iterator) CurrentPacketOffset() int64 { return it.curPacketOffset }

// CurrentPacketSize returns the size of the current packet in bits, or -1
// while it is unknown.
func (it *Iterator) CurrentPacketSize() int64 { return it.curPacketSize }

// Reset forgets the current stream and packet and goes back to INIT. The
// next bytes of the medium must be the start of a packet.
func (it *Iterator) Reset() {
	it.logger.Debug("resetting iterator")
	it.reader.Reset()
	it.resetPacket()
	it.streamClass = nil
	it.stream = nil
	it.streamOpen = false
	it.mediumEOF = false
	clear(it.clocks)
	it.buf = buffer{}
	it.state = StateInit
	it.curPacketOffset = 0
}

// resetPacket drops everything decoded from the current packet.
func (it *Iterator) resetPacket() {
	clear(it.stack)
	it.stack = it.stack[:0]
	it.curString = nil
	it.scopes = [ctfir.NumScopes]ctfir.Field{}
	it.streamID = optional{}
	it.streamInstanceID = optional{}
	it.packetSize = optional{}
	it.contentSize = optional{}
	it.packetSeqNum = optional{}
	it.discardedEvents = optional{}
	it.eventID = optional{}
	it.curTimestampEnd = nil
	it.eventClass = nil
	it.packet = nil
	it.packetOpen = false
	it.lastEventAt = -1
	it.curPacketSize = -1
	it.curContentSize = -1
}

// Seek moves the medium to offset bytes from its start, which must be the
// start of a packet, and resets the iterator.
func (it *Iterator) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("%w: negative seek offset %d", ErrInvalid, offset)
	}
	seeker, ok := it.medium.(io.Seeker)
	if !ok {
		return fmt.Errorf("%w: medium %T cannot seek", ErrUnsupported, it.medium)
	}
	if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking medium to %d: %w", offset, err)
	}
	it.Reset()
	it.curPacketOffset = offset
	return nil
}

// Next decodes until the next notification. It returns io.EOF once the
// stream is over, ErrAgain when the medium has nothing yet.
func (it *Iterator) Next() (Notification, error) {
	for {
		err := it.handleState()
		switch {
		case err == nil:
		case errors.Is(err, ErrAgain):
			return nil, ErrAgain
		case errors.Is(err, io.EOF):
			if it.state == StateDone {
				return nil, io.EOF
			}
			it.endOfData()
		default:
			return nil, it.fail(err)
		}

		n, err := it.emit()
		if err != nil {
			return nil, it.fail(err)
		}
		if n != nil {
			return n, nil
		}
	}
}

func (it *Iterator) fail(err error) error {
	it.metrics.errors.Inc()
	it.logger.Warn("cannot decode stream",
		zap.Stringer("state", it.state),
		zap.Int64("packet_offset", it.curPacketOffset),
		zap.Uint64("packet_at", it.packetAt()),
		zap.Error(err),
	)
	return err
}

// PacketHeaderContext decodes the current packet up to its context and
// returns its header and context scopes, nil for absent ones. Once the
// current packet has ended, it decodes the next one. Next carries on from
// there without losing any notification.
func (it *Iterator) PacketHeaderContext() (header, context ctfir.Field, err error) {
	if it.packetOpen {
		return it.packet.Header, it.packet.Context, nil
	}
	for it.state != StateAfterPacketContext && it.state != StateEmitNewStream {
		switch {
		case it.state == StateDone, it.state == StateEmitEndOfStream,
			it.state == StateEmitEndOfPacket && it.mediumEOF:
			return nil, nil, io.EOF
		}
		if err := it.handleState(); err != nil {
			// Next turns the end of the medium into the end of the stream.
			return nil, nil, err
		}
	}
	if err := it.setPacketSizes(); err != nil {
		return nil, nil, err
	}
	return it.scopes[ctfir.ScopePacketHeader], it.scopes[ctfir.ScopePacketContext], nil
}

// endOfData turns a valid end of the medium into the end of the packet and
// of the stream.
func (it *Iterator) endOfData() {
	if it.state == StateSkipPacketPadding {
		it.logger.Warn("medium ended inside packet padding",
			zap.Int64("packet_size", it.curPacketSize),
			zap.Uint64("packet_at", it.packetAt()),
		)
	}
	it.mediumEOF = true
	if it.packetOpen {
		it.state = StateEmitEndOfPacket
	} else {
		it.state = StateEmitEndOfStream
	}
}

// emit returns the notification of an emitting state, nil otherwise.
func (it *Iterator) emit() (Notification, error) {
	switch it.state {
	case StateEmitNewStream:
		it.streamOpen = true
		return &StreamBeginning{Stream: it.stream}, nil
	case StateEmitNewPacket:
		it.packet = &ctfir.Packet{
			Stream:          it.stream,
			Header:          it.scopes[ctfir.ScopePacketHeader],
			Context:         it.scopes[ctfir.ScopePacketContext],
			Offset:          it.curPacketOffset,
			Size:            it.curPacketSize,
			ContentSize:     it.curContentSize,
			SeqNum:          it.packetSeqNum.orUnknown(),
			DiscardedEvents: it.discardedEvents.orUnknown(),
		}
		it.scopes[ctfir.ScopePacketHeader] = nil
		it.scopes[ctfir.ScopePacketContext] = nil
		it.packetOpen = true
		it.metrics.packets.Inc()
		return &PacketBeginning{Packet: it.packet}, nil
	case StateEmitEvent:
		return it.newEvent()
	case StateEmitEndOfPacket:
		if it.curTimestampEnd != nil {
			it.updateClock(it.curTimestampEnd)
			it.curTimestampEnd = nil
		}
		it.packetOpen = false
		return &PacketEnd{Packet: it.packet}, nil
	case StateEmitEndOfStream:
		if it.streamOpen {
			it.streamOpen = false
			return &StreamEnd{Stream: it.stream}, nil
		}
	}
	return nil, nil
}

func (it *Iterator) newEvent() (Notification, error) {
	if int64(it.packetAt()) == it.lastEventAt {
		return nil, fmt.Errorf("%w: event %q at bit %d of the packet has no bits",
			ErrMalformed, it.eventClass.Name, it.lastEventAt)
	}
	ev := &ctfir.Event{
		Class:           it.eventClass,
		Packet:          it.packet,
		Header:          it.scopes[ctfir.ScopeEventHeader],
		CommonContext:   it.scopes[ctfir.ScopeEventCommonContext],
		SpecificContext: it.scopes[ctfir.ScopeEventSpecificContext],
		Payload:         it.scopes[ctfir.ScopeEventPayload],
		ClockValues:     maps.Clone(it.clocks),
	}
	it.clearEventScopes()
	it.metrics.events.Inc()
	return &EventNotification{Event: ev}, nil
}

func (it *Iterator) clearEventScopes() {
	for scope := ctfir.ScopeEventHeader; scope <= ctfir.ScopeEventPayload; scope++ {
		it.scopes[scope] = nil
	}
}

func (it *Iterator) packetAt() uint64 {
	return it.buf.packetOffset + it.buf.at
}

func (it *Iterator) handleState() error {
	if ce := it.logger.Check(zap.DebugLevel, "handling state"); ce != nil {
		ce.Write(zap.Stringer("state", it.state), zap.Uint64("packet_at", it.packetAt()))
	}
	sc := it.streamClass
	switch it.state {
	case StateInit:
		it.state = StatePacketHeaderBegin
	case StatePacketHeaderBegin:
		if err := it.switchPacket(); err != nil {
			return err
		}
		// A packet has at least one byte, whatever its scopes.
		if err := it.ensureAvailableBits(); err != nil {
			return err
		}
		return it.readScopeBegin(ctfir.ScopePacketHeader, it.trace.PacketHeaderType,
			StateAfterPacketHeader, StatePacketHeaderContinue)
	case StateAfterPacketHeader:
		if err := it.checkPacketHeader(); err != nil {
			return err
		}
		if err := it.setStreamClass(); err != nil {
			return err
		}
		it.state = StatePacketContextBegin
	case StatePacketContextBegin:
		return it.readScopeBegin(ctfir.ScopePacketContext, sc.PacketContextType,
			StateAfterPacketContext, StatePacketContextContinue)
	case StateAfterPacketContext:
		if err := it.setPacketSizes(); err != nil {
			return err
		}
		if err := it.setStream(); err != nil {
			return err
		}
		if it.streamOpen {
			it.state = StateEmitNewPacket
		} else {
			it.state = StateEmitNewStream
		}
	case StateEmitNewStream:
		it.state = StateEmitNewPacket
	case StateEmitNewPacket:
		it.state = StateEventHeaderBegin
	case StateEventHeaderBegin:
		return it.readEventHeaderBegin()
	case StateAfterEventHeader:
		if err := it.setEventClass(); err != nil {
			return err
		}
		it.state = StateEventCommonContextBegin
	case StateEventCommonContextBegin:
		return it.readScopeBegin(ctfir.ScopeEventCommonContext, sc.EventContextType,
			StateEventSpecificContextBegin, StateEventCommonContextContinue)
	case StateEventSpecificContextBegin:
		return it.readScopeBegin(ctfir.ScopeEventSpecificContext, it.eventClass.ContextType,
			StateEventPayloadBegin, StateEventSpecificContextContinue)
	case StateEventPayloadBegin:
		return it.readScopeBegin(ctfir.ScopeEventPayload, it.eventClass.PayloadType,
			StateEmitEvent, StateEventPayloadContinue)
	case StatePacketHeaderContinue, StatePacketContextContinue, StateEventHeaderContinue,
		StateEventCommonContextContinue, StateEventSpecificContextContinue, StateEventPayloadContinue:
		return it.readScopeContinue()
	case StateEmitEvent:
		it.state = StateEventHeaderBegin
	case StateEmitEndOfPacket:
		if it.mediumEOF {
			it.state = StateEmitEndOfStream
		} else {
			it.state = StateSkipPacketPadding
		}
	case StateSkipPacketPadding:
		return it.skipPacketPadding()
	case StateEmitEndOfStream:
		it.state = StateDone
	case StateDone:
		return io.EOF
	default:
		return fmt.Errorf("unknown iterator state %v", it.state)
	}
	return nil
}

// readScopeBegin starts decoding scope with type ft. An absent type skips
// the scope and leaves it unset.
func (it *Iterator) readScopeBegin(scope ctfir.Scope, ft ctfir.FieldType, done, cont State) error {
	if ft == nil {
		it.state = done
		return nil
	}
	if !needsBits(ft) {
		it.scopes[scope] = ctfir.NewField(ft)
		it.state = done
		return nil
	}
	if err := it.ensureAvailableBits(); err != nil {
		return err
	}

	it.curScope = scope
	it.scopes[scope] = nil
	clear(it.stack)
	it.stack = it.stack[:0]
	it.doneState = done
	it.continueState = cont

	consumed, err := it.reader.Start(ft, it.buf.data, it.buf.at, it.packetAt())
	it.buf.at += consumed
	return it.scopeStatus(err)
}

func (it *Iterator) readScopeContinue() error {
	if err := it.ensureAvailableBits(); err != nil {
		return err
	}
	consumed, err := it.reader.Continue(it.buf.data[bitbuffer.BitsToBytesFloor(it.buf.at):])
	it.buf.at += consumed
	return it.scopeStatus(err)
}

func (it *Iterator) scopeStatus(err error) error {
	switch {
	case err == nil:
		it.state = it.doneState
		return nil
	case errors.Is(err, btr.ErrEOF):
		it.state = it.continueState
		return nil
	}
	return fmt.Errorf("decoding %v: %w", it.curScope, err)
}

// needsBits reports whether a field of type ft can occupy any bit.
func needsBits(ft ctfir.FieldType) bool {
	switch t := ft.(type) {
	case *ctfir.StructType:
		for _, m := range t.Members {
			if needsBits(m.Type) {
				return true
			}
		}
		return false
	case *ctfir.ArrayType:
		return t.Length > 0 && needsBits(t.Element)
	}
	return true
}

func (it *Iterator) ensureAvailableBits() error {
	if it.buf.available() > 0 {
		return nil
	}
	return it.requestMediumBytes()
}

func (it *Iterator) requestMediumBytes() error {
	data, err := it.medium.RequestBytes(it.maxRequestSize)
	switch {
	case err == nil:
		if len(data) == 0 {
			return fmt.Errorf("medium %T returned no bytes", it.medium)
		}
		it.buf.packetOffset += uint64(len(it.buf.data)) * bitbuffer.BITS_PER_BYTE
		it.buf.data = data
		it.buf.at = 0
		it.metrics.bytes.Add(float64(len(data)))
		return nil
	case errors.Is(err, ErrAgain):
		return ErrAgain
	case errors.Is(err, io.EOF):
		if it.endOfDataIsValid() {
			return io.EOF
		}
		return fmt.Errorf("%w: medium ended at bit %d of the packet in state %v",
			ErrMalformed, it.packetAt(), it.state)
	}
	return fmt.Errorf("requesting bytes from medium: %w", err)
}

// endOfDataIsValid reports whether the medium may end here: between packets,
// inside the padding of a packet, or where the next event header of a packet
// of unknown size would start.
func (it *Iterator) endOfDataIsValid() bool {
	if it.state == StateSkipPacketPadding {
		return true
	}
	at := it.packetAt()
	if it.curPacketSize >= 0 {
		return at == uint64(it.curPacketSize)
	}
	return at == 0 || int64(at) == it.lastEventAt
}

// switchPacket moves to the packet starting at the current position.
func (it *Iterator) switchPacket() error {
	if it.curPacketSize >= 0 {
		it.curPacketOffset += it.curPacketSize / bitbuffer.BITS_PER_BYTE
	}
	if bitbuffer.InByteOffset(it.buf.at) != 0 {
		return fmt.Errorf("%w: packet at bit %d does not start on a byte", ErrMalformed, it.buf.at)
	}
	it.resetPacket()
	it.buf.data = it.buf.data[bitbuffer.BitsToBytesFloor(it.buf.at):]
	it.buf.at = 0
	it.buf.packetOffset = 0
	if ce := it.logger.Check(zap.DebugLevel, "switching packet"); ce != nil {
		ce.Write(zap.Int64("packet_offset", it.curPacketOffset), zap.Int("buffered", len(it.buf.data)))
	}
	return nil
}

// checkPacketHeader compares the uuid of the packet with the trace's.
func (it *Iterator) checkPacketHeader() error {
	header, ok := it.scopes[ctfir.ScopePacketHeader].(*ctfir.StructureField)
	if !ok || it.trace.UUID == uuid.Nil {
		return nil
	}
	field, ok := header.Member("uuid").(*ctfir.ArrayField)
	if !ok {
		return nil
	}
	raw, err := field.Bytes()
	if err != nil {
		return fmt.Errorf("%w: packet uuid: %v", ErrMalformed, err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return fmt.Errorf("%w: packet uuid: %v", ErrMalformed, err)
	}
	if id != it.trace.UUID {
		return fmt.Errorf("%w: packet uuid %v does not match trace uuid %v", ErrMalformed, id, it.trace.UUID)
	}
	return nil
}

func (it *Iterator) setStreamClass() error {
	var sc *ctfir.StreamClass
	if it.streamID.ok {
		sc = it.trace.StreamClassByID(it.streamID.value)
		if sc == nil {
			return fmt.Errorf("%w: no stream class with id %d in trace %q", ErrMalformed, it.streamID.value, it.trace.Name)
		}
	} else {
		if n := it.trace.StreamClassCount(); n != 1 {
			return fmt.Errorf("%w: packet has no stream id and trace %q has %d stream classes",
				ErrMalformed, it.trace.Name, n)
		}
		sc = it.trace.StreamClasses()[0]
	}
	if it.streamClass != nil && it.streamClass != sc {
		return fmt.Errorf("%w: packet of stream class %d follows packets of stream class %d",
			ErrMalformed, sc.ID, it.streamClass.ID)
	}
	it.streamClass = sc
	return nil
}

func (it *Iterator) setPacketSizes() error {
	packetSize, contentSize := int64(-1), int64(-1)
	if it.packetSize.ok {
		v := it.packetSize.value
		switch {
		case v == 0:
			return fmt.Errorf("%w: packet size is zero", ErrMalformed)
		case v%bitbuffer.BITS_PER_BYTE != 0:
			return fmt.Errorf("%w: packet size %d is not a multiple of 8", ErrMalformed, v)
		case v > math.MaxInt64:
			return fmt.Errorf("%w: packet size %d is too large", ErrMalformed, v)
		}
		packetSize = int64(v)
	}
	if it.contentSize.ok {
		if it.contentSize.value > math.MaxInt64 {
			return fmt.Errorf("%w: content size %d is too large", ErrMalformed, it.contentSize.value)
		}
		contentSize = int64(it.contentSize.value)
	} else {
		contentSize = packetSize
	}
	if it.packetSeqNum.value > math.MaxInt64 {
		return fmt.Errorf("%w: packet sequence number %d is too large", ErrMalformed, it.packetSeqNum.value)
	}
	if it.discardedEvents.value > math.MaxInt64 {
		return fmt.Errorf("%w: discarded event count %d is too large", ErrMalformed, it.discardedEvents.value)
	}
	if packetSize >= 0 && contentSize > packetSize {
		return fmt.Errorf("%w: content size %d is greater than packet size %d", ErrMalformed, contentSize, packetSize)
	}
	if packetSize < 0 {
		// No padding.
		packetSize = contentSize
	}
	it.curPacketSize = packetSize
	it.curContentSize = contentSize
	return nil
}

func (it *Iterator) setStream() error {
	instance := int64(-1)
	if it.streamInstanceID.ok {
		instance = int64(it.streamInstanceID.value)
	}
	stream, err := it.medium.BorrowStream(it.streamClass, instance)
	if err != nil {
		return fmt.Errorf("borrowing stream of class %d: %w", it.streamClass.ID, err)
	}
	if stream == nil {
		return fmt.Errorf("medium has no stream of class %d, instance %d", it.streamClass.ID, instance)
	}
	if it.stream != nil && it.stream != stream {
		return fmt.Errorf("%w: medium returned %v for a packet of %v", ErrMalformed, stream, it.stream)
	}
	it.stream = stream
	return nil
}

func (it *Iterator) readEventHeaderBegin() error {
	at := it.packetAt()
	it.lastEventAt = int64(at)
	if it.curContentSize >= 0 {
		switch content := uint64(it.curContentSize); {
		case at == content:
			it.state = StateEmitEndOfPacket
			return nil
		case at > content:
			return fmt.Errorf("%w: position %d is past the packet content size %d", ErrMalformed, at, content)
		}
	}
	it.clearEventScopes()
	it.eventID = optional{}
	it.eventClass = nil
	return it.readScopeBegin(ctfir.ScopeEventHeader, it.streamClass.EventHeaderType,
		StateAfterEventHeader, StateEventHeaderContinue)
}

func (it *Iterator) setEventClass() error {
	sc := it.streamClass
	if it.eventID.ok {
		ec := sc.EventClassByID(it.eventID.value)
		if ec == nil {
			return fmt.Errorf("%w: no event class with id %d in stream class %d", ErrMalformed, it.eventID.value, sc.ID)
		}
		it.eventClass = ec
		return nil
	}
	if n := sc.EventClassCount(); n != 1 {
		return fmt.Errorf("%w: event has no id and stream class %d has %d event classes", ErrMalformed, sc.ID, n)
	}
	it.eventClass = sc.EventClasses()[0]
	return nil
}

func (it *Iterator) skipPacketPadding() error {
	if it.curPacketSize < 0 {
		return fmt.Errorf("%w: packet of unknown size ended before the medium", ErrMalformed)
	}
	size := uint64(it.curPacketSize)
	if it.packetAt() < size {
		if err := it.ensureAvailableBits(); err != nil {
			return err
		}
		it.buf.at += min(it.buf.available(), size-it.packetAt())
	}
	if it.packetAt() == size {
		it.state = StatePacketHeaderBegin
	}
	return nil
}
