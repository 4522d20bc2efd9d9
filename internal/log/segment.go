package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	api "github.com/pandulaDW/state-history-log/api/v1"
	"go.uber.org/zap"
)

// Segment is a log file and its index, written by a single owner.
//
// beginBlock and endBlock bound the blocks held by the log as [beginBlock, endBlock);
// an empty segment has beginBlock == endBlock.
type Segment struct {
	store                *store
	index                *index
	dir, name            string
	beginBlock, endBlock uint32
	lastBlockID          BlockID
	config               Config
	logger               *zap.Logger
}

// OpenSegment opens or creates <dir>/<name>.log and <dir>/<name>.index.
//
// A log whose tail was left half written is cut back to its last complete
// entry, and an index that does not hold one record per block is regenerated
// from the log.
func OpenSegment(dir, name string, c Config) (*Segment, error) {
	s := &Segment{
		dir:    dir,
		name:   name,
		config: c,
		logger: c.logger().With(zap.String("log", filepath.Join(dir, name))),
	}

	logFile, err := os.OpenFile(s.LogPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if s.store, err = newStore(logFile); err != nil {
		_ = logFile.Close()
		return nil, err
	}
	if err = s.openLog(); err != nil {
		_ = s.store.Close()
		return nil, err
	}

	indexFile, err := os.OpenFile(s.IndexPath(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		_ = s.store.Close()
		return nil, err
	}
	if s.index, err = newIndex(indexFile); err != nil {
		_ = indexFile.Close()
		_ = s.store.Close()
		return nil, err
	}
	if err = s.openIndex(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// openLog learns the block range from the first and last entries, falling
// back to recoverBlocks when the last entry cannot be trusted.
func (s *Segment) openLog() error {
	if s.store.size < headerWidth {
		if s.store.size > 0 {
			return s.recoverBlocks()
		}
		return nil
	}

	first, err := s.store.ReadHeader(0)
	if err != nil {
		return err
	}
	if first.Version != CurrentVersion {
		return fmt.Errorf("%w: %s has version %d", ErrUnsupportedVersion, s.LogPath(), first.Version)
	}
	s.beginBlock = first.BlockNum

	if _, last, ok := s.store.lastEntry(); ok && last.BlockNum >= first.BlockNum {
		s.endBlock = last.BlockNum + 1
		s.lastBlockID = last.BlockID
		return nil
	}
	return s.recoverBlocks()
}

// recoverBlocks scans forward over every valid entry and truncates the log
// after the last one.
func (s *Segment) recoverBlocks() error {
	var count uint32
	var last Header
	good, scanErr := s.store.scan(func(_ uint64, h Header) error {
		if count == 0 {
			s.beginBlock = h.BlockNum
		}
		last = h
		count++
		return nil
	})

	discarded := s.store.size - good
	s.logger.Warn("recovering log",
		zap.Uint64("valid_bytes", good),
		zap.Uint64("discarded_bytes", discarded),
		zap.Uint32("blocks", count),
		zap.NamedError("reason", scanErr),
	)

	if err := s.store.Truncate(good); err != nil {
		return err
	}
	if count == 0 {
		s.beginBlock, s.endBlock, s.lastBlockID = 0, 0, BlockID{}
	} else {
		s.endBlock = s.beginBlock + count
		s.lastBlockID = last.BlockID
	}
	s.config.observer().SegmentRecovered(s.LogPath(), discarded)
	return nil
}

// openIndex trusts an index with exactly one record per block and rebuilds any other.
func (s *Segment) openIndex() error {
	if s.index.Records() == uint64(s.endBlock-s.beginBlock) {
		return nil
	}

	s.logger.Warn("regenerating index",
		zap.String("index", s.IndexPath()),
		zap.Uint64("records", s.index.Records()),
		zap.Uint32("blocks", s.endBlock-s.beginBlock),
	)
	if err := s.index.rebuild(s.store); err != nil {
		return fmt.Errorf("regenerating %s: %w", s.IndexPath(), err)
	}
	s.config.observer().IndexRebuilt(s.IndexPath())
	return nil
}

// WriteEntry appends the entry for h.BlockNum, streaming its payload through write.
//
// The block must either follow the last one written or fall inside the log,
// in which case the entries from h.BlockNum onwards are dropped first (a fork
// switch). prevID must match the stored id of h.BlockNum-1 when that block is in the log.
func (s *Segment) WriteEntry(h Header, prevID BlockID, write func(io.Writer) error) error {
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	if !s.Empty() {
		if h.BlockNum > s.endBlock {
			return fmt.Errorf("%w: writing block %d, log ends at %d", ErrBlockGap, h.BlockNum, s.endBlock)
		}
		if h.BlockNum > s.beginBlock {
			id, err := s.BlockID(h.BlockNum - 1)
			if err != nil {
				return err
			}
			if id != prevID {
				return fmt.Errorf("%w: block %d declares previous %s, log holds %s",
					ErrForkMismatch, h.BlockNum, prevID, id)
			}
		}
		if h.BlockNum < s.endBlock {
			if err := s.Truncate(h.BlockNum); err != nil {
				return err
			}
		}
	}

	if s.Empty() {
		s.beginBlock, s.endBlock = h.BlockNum, h.BlockNum
	}

	pos, err := s.store.Append(h, write)
	if err != nil {
		return err
	}
	if err = s.index.Write(pos); err != nil {
		return err
	}

	s.endBlock++
	s.lastBlockID = h.BlockID
	return nil
}

// GetEntry returns the header of block and a reader over exactly its payload.
func (s *Segment) GetEntry(block uint32) (Header, *io.SectionReader, error) {
	if block < s.beginBlock || block >= s.endBlock {
		return Header{}, nil, api.ErrBlockOutOfRange{Block: block, BeginBlock: s.beginBlock, EndBlock: s.endBlock}
	}

	pos, err := s.index.Read(int64(block - s.beginBlock))
	if err != nil {
		return Header{}, nil, err
	}
	h, err := s.store.ReadHeader(pos)
	if err != nil {
		return Header{}, nil, err
	}
	if h.BlockNum != block {
		return Header{}, nil, fmt.Errorf("%w: index points block %d at entry for %d", ErrCorruptLog, block, h.BlockNum)
	}

	return h, io.NewSectionReader(s.store, int64(pos+headerWidth), int64(h.PayloadSize)), nil
}

// BlockID returns the id stored for block.
func (s *Segment) BlockID(block uint32) (BlockID, error) {
	if !s.Empty() && block == s.endBlock-1 {
		return s.lastBlockID, nil
	}
	h, _, err := s.GetEntry(block)
	if err != nil {
		return BlockID{}, err
	}
	return h.BlockID, nil
}

// Truncate drops block and every block after it. Truncating at or before the
// first block empties the log.
func (s *Segment) Truncate(block uint32) error {
	if block >= s.endBlock {
		return nil
	}

	if block <= s.beginBlock {
		if err := s.store.Truncate(0); err != nil {
			return err
		}
		if err := s.index.Truncate(0); err != nil {
			return err
		}
		s.beginBlock, s.endBlock, s.lastBlockID = 0, 0, BlockID{}
		return nil
	}

	pos, err := s.index.Read(int64(block - s.beginBlock))
	if err != nil {
		return err
	}
	if err = s.store.Truncate(pos); err != nil {
		return err
	}
	if err = s.index.Truncate(uint64(block - s.beginBlock)); err != nil {
		return err
	}
	s.endBlock = block

	prev, err := s.index.Read(-1)
	if err != nil {
		return err
	}
	h, err := s.store.ReadHeader(prev)
	if err != nil {
		return err
	}
	s.lastBlockID = h.BlockID
	return nil
}

// Empty reports whether the log holds no blocks.
func (s *Segment) Empty() bool {
	return s.beginBlock == s.endBlock
}

// FirstBlockNum returns the first block in the log.
func (s *Segment) FirstBlockNum() uint32 {
	return s.beginBlock
}

// EndBlock returns one past the last block in the log.
func (s *Segment) EndBlock() uint32 {
	return s.endBlock
}

// LastBlockID returns the id of the last block written.
func (s *Segment) LastBlockID() BlockID {
	return s.lastBlockID
}

// Name returns the file name stem of the pair.
func (s *Segment) Name() string {
	return s.name
}

// LogPath returns the path of the log file.
func (s *Segment) LogPath() string {
	return filepath.Join(s.dir, s.name+".log")
}

// IndexPath returns the path of the index file.
func (s *Segment) IndexPath() string {
	return filepath.Join(s.dir, s.name+".index")
}

// Flush pushes buffered entries to the log file.
func (s *Segment) Flush() error {
	return s.store.Flush()
}

// Close closes the segment by calling the close methods of index and then store
func (s *Segment) Close() error {
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// Remove closes the segment and removes the index and log files
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.IndexPath()); err != nil {
		return err
	}
	return os.Remove(s.LogPath())
}
