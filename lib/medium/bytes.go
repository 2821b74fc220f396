package medium

import (
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// Bytes serves a byte slice.
type Bytes struct {
	data    []byte
	pos     int64
	opts    options
	streams streams
}

// NewBytes creates a medium reading data. name is given to the streams it
// creates.
func NewBytes(name string, data []byte, opts ...Option) (*Bytes, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("memory medium", zap.String("name", name), zap.String("size", humanize.IBytes(uint64(len(data)))))
	return &Bytes{data: data, opts: o, streams: newStreams(name)}, nil
}

// RequestBytes returns the next bytes, at most maxLen and the chunk size.
func (b *Bytes) RequestBytes(maxLen int) ([]byte, error) {
	left := int64(len(b.data)) - b.pos
	if left <= 0 {
		return nil, io.EOF
	}
	n := min(left, int64(maxLen), int64(b.opts.chunkSize))
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

func (b *Bytes) BorrowStream(sc *ctfir.StreamClass, instanceID int64) (*ctfir.Stream, error) {
	return b.streams.borrow(sc, instanceID)
}

// Seek implements io.Seeker.
func (b *Bytes) Seek(offset int64, whence int) (int64, error) {
	pos, err := seekPosition(b.pos, int64(len(b.data)), offset, whence)
	if err != nil {
		return b.pos, err
	}
	b.pos = pos
	return pos, nil
}
