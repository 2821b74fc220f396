package medium

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/mmap"

	"github.com/thebagchi/ctf-go/lib/ctfir"
)

// File serves a memory-mapped stream file.
type File struct {
	path    string
	reader  *mmap.ReaderAt
	pos     int64
	buf     []byte
	opts    options
	streams streams
}

// OpenFile maps the stream file at path. Streams are named after the file.
func OpenFile(path string, opts ...Option) (*File, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	o.logger.Info("opened stream file",
		zap.String("path", path),
		zap.String("size", humanize.IBytes(uint64(reader.Len()))),
	)
	return &File{
		path:    path,
		reader:  reader,
		opts:    o,
		streams: newStreams(filepath.Base(path)),
	}, nil
}

// Path returns the mapped file path.
func (f *File) Path() string { return f.path }

// Size returns the file size in bytes.
func (f *File) Size() int64 { return int64(f.reader.Len()) }

// RequestBytes copies the next bytes into a buffer reused by the next call.
func (f *File) RequestBytes(maxLen int) ([]byte, error) {
	left := f.Size() - f.pos
	if left <= 0 {
		return nil, io.EOF
	}
	n := int(min(left, int64(maxLen), int64(f.opts.chunkSize)))
	if cap(f.buf) < n {
		f.buf = make([]byte, n)
	}
	read, err := f.reader.ReadAt(f.buf[:n], f.pos)
	if err != nil && read < n {
		return nil, fmt.Errorf("reading %s at %d: %w", f.path, f.pos, err)
	}
	f.pos += int64(read)
	return f.buf[:read], nil
}

func (f *File) BorrowStream(sc *ctfir.StreamClass, instanceID int64) (*ctfir.Stream, error) {
	return f.streams.borrow(sc, instanceID)
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	pos, err := seekPosition(f.pos, f.Size(), offset, whence)
	if err != nil {
		return f.pos, err
	}
	f.pos = pos
	return pos, nil
}

// Close unmaps the file.
func (f *File) Close() error {
	if f.reader == nil {
		return nil
	}
	err := f.reader.Close()
	f.reader = nil
	return err
}

// CloseAll closes every file and reports all failures.
func CloseAll(files []*File) error {
	var err error
	for _, f := range files {
		err = multierr.Append(err, f.Close())
	}
	return err
}
