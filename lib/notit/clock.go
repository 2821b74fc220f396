package notit

import (
	"go.uber.org/zap"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// updateClockState merges a clock value of the given width into a 64-bit
// clock state. A value lower than the low bits of the state is a wrap of
// the narrow field; at most one wrap is assumed between two updates.
func updateClockState(state, value, bits uint64) uint64 {
	if bits >= 64 {
		return value
	}
	mask := uint64(1)<<bits - 1
	value &= mask
	if value < state&mask {
		state += mask + 1
	}
	return state&^mask | value
}

// updateClock applies the value of an integer field mapped to a clock.
func (it *Iterator) updateClock(f *ctfir.IntegerField) {
	ft := f.IntegerType()
	if ft.MappedClock == nil {
		return
	}
	next := updateClockState(it.clocks[ft.MappedClock], f.Unsigned(), ft.Bits)
	it.clocks[ft.MappedClock] = next
	if ce := it.logger.Check(zap.DebugLevel, "clock updated"); ce != nil {
		ce.Write(zap.String("clock", ft.MappedClock.Name), zap.Uint64("value", next))
	}
}
