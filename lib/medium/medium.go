// Package medium provides byte sources for notit.Iterator: an in-memory
// buffer and a memory-mapped file.
package medium

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// DEFAULT_CHUNK_SIZE bounds the bytes returned by one request when no
// chunk size is configured.
const DEFAULT_CHUNK_SIZE = 64 * 1024

type options struct {
	chunkSize int
	logger    *zap.Logger
}

// Option configures a medium.
type Option func(*options)

// WithChunkSize bounds the bytes returned by one request.
func WithChunkSize(n int) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithLogger sets the logger of the medium.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{chunkSize: DEFAULT_CHUNK_SIZE, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 {
		return o, fmt.Errorf("chunk size must be positive, got %d", o.chunkSize)
	}
	return o, nil
}

type streamKey struct {
	class    uint64
	instance int64
}

// streams creates one runtime stream per stream class and instance id.
type streams struct {
	name    string
	entries map[streamKey]*ctfir.Stream
}

func newStreams(name string) streams {
	return streams{name: name, entries: make(map[streamKey]*ctfir.Stream)}
}

func (s *streams) borrow(sc *ctfir.StreamClass, instanceID int64) (*ctfir.Stream, error) {
	if sc == nil {
		return nil, fmt.Errorf("nil stream class")
	}
	key := streamKey{class: sc.ID, instance: instanceID}
	if stream, ok := s.entries[key]; ok {
		return stream, nil
	}
	stream := ctfir.NewStream(sc, instanceID)
	stream.Name = s.name
	s.entries[key] = stream
	return stream, nil
}

// seekPosition computes an absolute position for io.Seeker.
func seekPosition(pos, size, offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = pos + offset
	case io.SeekEnd:
		next = size + offset
	default:
		return pos, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return pos, fmt.Errorf("negative position %d", next)
	}
	return next, nil
}
