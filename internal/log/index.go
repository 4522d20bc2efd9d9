package log

import (
	"io"
	"os"
)

// index is the file of 8-byte header offsets, one per block of the log it
// belongs to, so the offset of block b sits at (b - first block) * 8.
//
// The size tells us the size of the index and where to write the next entry appended to the index.
type index struct {
	file *os.File
	size uint64
}

// newIndex creates an index for the given file, saving the current size so we
// know how many records it already holds.
func newIndex(f *os.File) (*index, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	return &index{file: f, size: uint64(fi.Size())}, nil
}

// Read returns the log position stored in record in. Passing -1 reads the last record.
// No range checks against the log are done here, callers validate block numbers first.
func (i *index) Read(in int64) (pos uint64, err error) {
	if i.size < posWidth {
		return 0, io.EOF
	}

	var rec uint64
	if in == -1 {
		rec = i.size/posWidth - 1
	} else {
		rec = uint64(in)
	}

	at := rec * posWidth
	if i.size < at+posWidth {
		return 0, io.EOF
	}

	b := make([]byte, posWidth)
	if _, err = i.file.ReadAt(b, int64(at)); err != nil {
		return 0, err
	}
	return enc.Uint64(b), nil
}

// Write appends the position of the next block's header.
func (i *index) Write(pos uint64) error {
	b := make([]byte, posWidth)
	enc.PutUint64(b, pos)
	if _, err := i.file.WriteAt(b, int64(i.size)); err != nil {
		return err
	}
	i.size += posWidth
	return nil
}

// Records returns the number of positions in the index.
func (i *index) Records() uint64 {
	return i.size / posWidth
}

// Truncate keeps the first records positions and drops the rest.
func (i *index) Truncate(records uint64) error {
	size := records * posWidth
	if err := i.file.Truncate(int64(size)); err != nil {
		return err
	}
	i.size = size
	return nil
}

// rebuild discards the index and regenerates it with one record for every
// entry of the log. Any structural problem in the log is fatal here.
func (i *index) rebuild(s *store) error {
	var buf []byte
	b := make([]byte, posWidth)
	if _, err := s.scan(func(pos uint64, _ Header) error {
		enc.PutUint64(b, pos)
		buf = append(buf, b...)
		return nil
	}); err != nil {
		return err
	}

	if err := i.Truncate(0); err != nil {
		return err
	}
	if _, err := i.file.WriteAt(buf, 0); err != nil {
		return err
	}
	i.size = uint64(len(buf))
	return nil
}

// Name returns the index's file path.
func (i *index) Name() string {
	return i.file.Name()
}

// Close makes sure the index has been flushed to stable storage and closes the file.
func (i *index) Close() error {
	if err := i.file.Sync(); err != nil {
		return err
	}
	return i.file.Close()
}
