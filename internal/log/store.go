package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// store wraps a log file of back-to-back entries:
//
//	[header][payload][8-byte offset of the header]
//
// The trailing offset lets the last entry be found from the end of the file.
type store struct {
	*os.File
	mu   sync.Mutex
	buf  *bufio.Writer
	size uint64
}

// newStore creates a store for the given file
func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	return &store{
		File: f,
		buf:  bufio.NewWriter(f),
		size: uint64(fi.Size()),
	}, nil
}

// countingWriter counts the payload bytes streamed by a caller.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// Append writes the header, lets write stream the payload into the file and
// finishes the entry with its trailing offset. It returns the position of the
// header. If write fails or produces a payload of the wrong size, the file is
// cut back to where the entry started.
func (s *store) Append(h Header, write func(io.Writer) error) (pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size

	hdr := make([]byte, headerWidth)
	h.Encode(hdr)
	if _, err = s.buf.Write(hdr); err != nil {
		return 0, s.rollback(pos, err)
	}

	cw := &countingWriter{w: s.buf}
	if err = write(cw); err != nil {
		return 0, s.rollback(pos, err)
	}
	if cw.n != h.PayloadSize {
		err = fmt.Errorf("%w: block %d wrote %d bytes, header declares %d",
			ErrPayloadSize, h.BlockNum, cw.n, h.PayloadSize)
		return 0, s.rollback(pos, err)
	}

	trailer := make([]byte, posWidth)
	enc.PutUint64(trailer, pos)
	if _, err = s.buf.Write(trailer); err != nil {
		return 0, s.rollback(pos, err)
	}

	// the buffer only ever holds the entry being written
	if err = s.buf.Flush(); err != nil {
		return 0, s.rollback(pos, err)
	}

	s.size += entrySpan(h.PayloadSize)
	return pos, nil
}

// rollback drops whatever part of a failed entry reached the buffer or the file.
func (s *store) rollback(pos uint64, cause error) error {
	s.buf.Reset(s.File)
	if err := s.File.Truncate(int64(pos)); err != nil {
		return fmt.Errorf("%w; rolling back to %d: %w", cause, pos, err)
	}
	s.size = pos
	return cause
}

// ReadHeader decodes the entry header stored at pos.
func (s *store) ReadHeader(pos uint64) (Header, error) {
	b := make([]byte, headerWidth)
	if _, err := s.ReadAt(b, int64(pos)); err != nil {
		return Header{}, err
	}
	return DecodeHeader(b), nil
}

// ReadAt reads len(p) bytes into p starting at offset off in the store’s file.
//
// It implements io.ReaderAt on the store type.
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return 0, err
	}

	return s.File.ReadAt(p, off)
}

// lastEntry trusts the trailing offset at EOF and checks that the header it
// points at spans exactly to the end of the file.
func (s *store) lastEntry() (pos uint64, h Header, ok bool) {
	size := s.size
	if size < headerWidth+posWidth {
		return 0, Header{}, false
	}

	trailer := make([]byte, posWidth)
	if _, err := s.ReadAt(trailer, int64(size-posWidth)); err != nil {
		return 0, Header{}, false
	}
	pos = enc.Uint64(trailer)
	if pos > size-headerWidth-posWidth {
		return 0, Header{}, false
	}

	h, err := s.ReadHeader(pos)
	if err != nil || h.Version != CurrentVersion {
		return 0, Header{}, false
	}
	if h.PayloadSize != size-pos-headerWidth-posWidth {
		return 0, Header{}, false
	}
	return pos, h, true
}

// scan walks the entries from the start of the file, calling fn for each one
// whose header fits, whose block number follows its predecessor and whose
// trailing offset points back at its own header. It returns the end of the
// last good entry, and a non-nil error when it stopped before reaching EOF.
func (s *store) scan(fn func(pos uint64, h Header) error) (uint64, error) {
	size := s.size
	trailer := make([]byte, posWidth)

	var pos uint64
	var next uint32
	for pos < size {
		if size-pos < headerWidth+posWidth {
			return pos, fmt.Errorf("%w: partial entry at %d", ErrCorruptLog, pos)
		}
		h, err := s.ReadHeader(pos)
		if err != nil {
			return pos, err
		}
		if h.Version != CurrentVersion {
			return pos, fmt.Errorf("%w: version %d at %d", ErrUnsupportedVersion, h.Version, pos)
		}
		if pos > 0 && h.BlockNum != next {
			return pos, fmt.Errorf("%w: block %d at %d, expected %d", ErrCorruptLog, h.BlockNum, pos, next)
		}
		if h.PayloadSize > size-pos-headerWidth-posWidth {
			return pos, fmt.Errorf("%w: block %d payload runs past end of file", ErrCorruptLog, h.BlockNum)
		}

		end := pos + entrySpan(h.PayloadSize)
		if _, err = s.ReadAt(trailer, int64(end-posWidth)); err != nil {
			return pos, err
		}
		if got := enc.Uint64(trailer); got != pos {
			return pos, fmt.Errorf("%w: block %d trailer points at %d, entry starts at %d",
				ErrCorruptLog, h.BlockNum, got, pos)
		}

		if err = fn(pos, h); err != nil {
			return pos, err
		}
		next = h.BlockNum + 1
		pos = end
	}
	return pos, nil
}

// Truncate resizes the file to size bytes.
func (s *store) Truncate(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Truncate(int64(size)); err != nil {
		return err
	}
	s.size = size
	return nil
}

// Flush writes any buffered entries through to the file
func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Flush()
}

// Close flushes any buffered data and close the underlying file
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}

	return s.File.Close()
}
