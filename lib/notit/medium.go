package notit

import (
	"errors"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

var (
	// ErrAgain means the medium has no data yet. Calling Next again later
	// resumes exactly where the iterator stopped.
	ErrAgain = errors.New("notit: try again")
	// ErrInvalid is returned for bad arguments.
	ErrInvalid = errors.New("notit: invalid argument")
	// ErrUnsupported is returned by Seek when the medium cannot seek.
	ErrUnsupported = errors.New("notit: unsupported operation")
	// ErrMalformed is returned for stream data that contradicts the trace
	// metadata or itself.
	ErrMalformed = errors.New("notit: malformed stream")
)

// Medium supplies the bytes of one sequence of packets.
//
// RequestBytes returns between 1 and maxLen bytes. It returns ErrAgain when
// no data is available yet and io.EOF at the end of the data. The returned
// slice must stay untouched until the next call.
//
// BorrowStream resolves the runtime stream of packets of class sc with the
// given stream_instance_id (-1 when the packets carry none). It must return
// the same *ctfir.Stream for all the packets of one iterator.
//
// A Medium that also implements io.Seeker can be repositioned with
// Iterator.Seek.
type Medium interface {
	RequestBytes(maxLen int) ([]byte, error)
	BorrowStream(sc *ctfir.StreamClass, instanceID int64) (*ctfir.Stream, error)
}
