package log

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

// mappedSegment is a retained log/index pair mapped into memory for lookups.
// Slices handed out from it are only valid until Close.
type mappedSegment struct {
	stem                  string
	beginBlock, lastBlock uint32
	mode                  Mode
	logFile, indexFile    *os.File
	logMap, indexMap      gommap.MMap
}

// openMapped maps <stem>.log and <stem>.index, which must hold blocks
// [beginBlock, lastBlock], in the given mode.
func openMapped(stem string, beginBlock, lastBlock uint32, mode Mode) (*mappedSegment, error) {
	m := &mappedSegment{stem: stem, beginBlock: beginBlock, lastBlock: lastBlock, mode: mode}

	var err error
	if m.logFile, m.logMap, err = mapFile(stem+".log", mode); err != nil {
		return nil, err
	}
	if m.indexFile, m.indexMap, err = mapFile(stem+".index", mode); err != nil {
		_ = m.Close()
		return nil, err
	}

	if want := (uint64(lastBlock-beginBlock) + 1) * posWidth; uint64(len(m.indexMap)) != want {
		_ = m.Close()
		return nil, fmt.Errorf("%w: %s.index holds %d bytes, expected %d", ErrCorruptLog, stem, len(m.indexMap), want)
	}
	return m, nil
}

func mapFile(path string, mode Mode) (*os.File, gommap.MMap, error) {
	flag, prot := os.O_RDONLY, gommap.PROT_READ
	if mode == ReadWrite {
		flag, prot = os.O_RDWR, gommap.PROT_READ|gommap.PROT_WRITE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if fi.Size() == 0 {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s is empty", ErrCorruptLog, path)
	}

	mm, err := gommap.Map(f.Fd(), prot, gommap.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, mm, nil
}

// covers reports whether block lies in the mapped pair.
func (m *mappedSegment) covers(block uint32) bool {
	return block >= m.beginBlock && block <= m.lastBlock
}

// position returns the offset of block's header in the log file.
func (m *mappedSegment) position(block uint32) (uint64, error) {
	at := uint64(block-m.beginBlock) * posWidth
	if !m.covers(block) || at+posWidth > uint64(len(m.indexMap)) {
		return 0, fmt.Errorf("block %d not in %s", block, m.stem)
	}
	pos := enc.Uint64(m.indexMap[at:])
	if pos+headerWidth > uint64(len(m.logMap)) {
		return 0, fmt.Errorf("%w: %s.index points block %d past end of log", ErrCorruptLog, m.stem, block)
	}
	return pos, nil
}

// entry returns the header at pos and the mapped bytes of its payload.
func (m *mappedSegment) entry(pos uint64) (Header, []byte, error) {
	h := DecodeHeader(m.logMap[pos:])
	start := pos + headerWidth
	if h.PayloadSize > uint64(len(m.logMap))-start {
		return Header{}, nil, fmt.Errorf("%w: block %d payload runs past end of %s.log", ErrCorruptLog, h.BlockNum, m.stem)
	}
	return h, m.logMap[start : start+h.PayloadSize], nil
}

// Close unmaps and closes both files, syncing writable mappings first.
func (m *mappedSegment) Close() error {
	var errs []error
	for _, mm := range []gommap.MMap{m.logMap, m.indexMap} {
		if mm == nil {
			continue
		}
		if m.mode == ReadWrite {
			errs = append(errs, mm.Sync(gommap.MS_SYNC))
		}
		errs = append(errs, mm.UnsafeUnmap())
	}
	for _, f := range []*os.File{m.logFile, m.indexFile} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	m.logMap, m.indexMap, m.logFile, m.indexFile = nil, nil, nil, nil
	return errors.Join(errs...)
}

// PayloadStream reads and overwrites a payload in place through a writable
// mapping. It cannot grow the payload.
type PayloadStream struct {
	b   []byte
	off int64
}

var _ io.ReadWriteSeeker = (*PayloadStream)(nil)

func (p *PayloadStream) Read(b []byte) (int, error) {
	if p.off >= int64(len(p.b)) {
		return 0, io.EOF
	}
	n := copy(b, p.b[p.off:])
	p.off += int64(n)
	return n, nil
}

func (p *PayloadStream) Write(b []byte) (int, error) {
	if p.off >= int64(len(p.b)) {
		return 0, io.ErrShortWrite
	}
	n := copy(p.b[p.off:], b)
	p.off += int64(n)
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (p *PayloadStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = p.off + offset
	case io.SeekEnd:
		abs = int64(len(p.b)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	p.off = abs
	return abs, nil
}

// Len returns the payload size.
func (p *PayloadStream) Len() int {
	return len(p.b)
}
