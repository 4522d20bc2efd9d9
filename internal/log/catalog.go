package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// Range describes one retained log/index pair.
type Range struct {
	FirstBlock uint32
	LastBlock  uint32
	Path       string
}

// Catalog keeps the retained (rotated) log/index pairs of a history, ordered
// by first block, and maps at most one of them at a time for lookups.
//
// A Catalog is not safe for concurrent use.
type Catalog struct {
	Config   Config
	dir      string
	entries  []Range
	active   *mappedSegment
	pattern  *regexp.Regexp
	logger   *zap.Logger
	observer Observer
}

// NewCatalog scans the retained directory for <name>-<first>-<last>.log files,
// repairing each pair as OpenSegment does, and catalogs their ranges.
func NewCatalog(c Config) (*Catalog, error) {
	dir := c.Catalog.RetainedDir
	if dir == "" {
		dir = c.Segment.Dir
	}

	cat := &Catalog{
		Config:   c,
		dir:      dir,
		pattern:  regexp.MustCompile("^" + regexp.QuoteMeta(c.Segment.Name) + `-(\d+)-(\d+)\.log$`),
		logger:   c.logger().Named("catalog"),
		observer: c.observer(),
	}

	return cat, cat.setup()
}

func (c *Catalog) setup() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	if archive := c.Config.Catalog.ArchiveDir; archive != "" {
		if err := os.MkdirAll(archive, 0755); err != nil {
			return err
		}
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	verifier := c.Config.verifier()
	for _, file := range files {
		m := c.pattern.FindStringSubmatch(file.Name())
		if m == nil || file.IsDir() {
			continue
		}
		first, err1 := strconv.ParseUint(m[1], 10, 32)
		last, err2 := strconv.ParseUint(m[2], 10, 32)
		if err1 != nil || err2 != nil || last < first {
			c.logger.Warn("ignoring retained file with bad block range", zap.String("file", file.Name()))
			continue
		}

		stem := fmt.Sprintf("%s-%d-%d", c.Config.Segment.Name, first, last)
		s, err := OpenSegment(c.dir, stem, c.Config)
		if err != nil {
			return fmt.Errorf("opening retained %s: %w", file.Name(), err)
		}
		if err = verifier.Verify(s, s.LogPath()); err != nil {
			_ = s.Close()
			return fmt.Errorf("verifying retained %s: %w", file.Name(), err)
		}
		matches := !s.Empty() && uint64(s.FirstBlockNum()) == first && uint64(s.EndBlock())-1 == last
		if err = s.Close(); err != nil {
			return err
		}
		if !matches {
			c.logger.Warn("ignoring retained file whose blocks do not match its name",
				zap.String("file", file.Name()),
				zap.Uint32("first_block", s.FirstBlockNum()),
				zap.Uint32("end_block", s.EndBlock()),
			)
			continue
		}

		c.insert(Range{FirstBlock: uint32(first), LastBlock: uint32(last), Path: filepath.Join(c.dir, stem)})
	}

	return nil
}

// insert adds r keeping entries ordered. A range starting at an already
// cataloged block replaces it only when it reaches further; the other file is
// left on disk.
func (c *Catalog) insert(r Range) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].FirstBlock >= r.FirstBlock
	})

	if i < len(c.entries) && c.entries[i].FirstBlock == r.FirstBlock {
		kept, ignored := c.entries[i], r
		if r.LastBlock > kept.LastBlock {
			kept, ignored = r, kept
			c.entries[i] = r
		}
		c.logger.Warn("overlapping retained files, keeping the larger one",
			zap.String("kept", kept.Path),
			zap.String("ignored", ignored.Path),
		)
		return
	}

	c.entries = append(c.entries, Range{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = r
}

// find returns the range holding block.
func (c *Catalog) find(block uint32) (Range, bool) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].FirstBlock > block
	})
	if i == 0 {
		return Range{}, false
	}
	r := c.entries[i-1]
	return r, block <= r.LastBlock
}

// mappedFor returns the mapped pair holding block, swapping the current
// mapping when it does not hold the block or was opened in another mode.
func (c *Catalog) mappedFor(block uint32, mode Mode) (*mappedSegment, bool) {
	if c.active != nil && c.active.covers(block) && c.active.mode == mode {
		return c.active, true
	}

	r, ok := c.find(block)
	if !ok {
		c.miss(block, nil)
		return nil, false
	}

	c.closeActive()
	m, err := openMapped(r.Path, r.FirstBlock, r.LastBlock, mode)
	if err != nil {
		c.miss(block, err)
		return nil, false
	}
	c.active = m
	return m, true
}

func (c *Catalog) miss(block uint32, err error) {
	c.logger.Debug("block not in catalog", zap.Uint32("block", block), zap.Error(err))
	c.observer.LookupMissed(block)
}

// GetBlockPosition returns the offset of block's header within the retained
// log file holding it. A block that is not retained, or whose file cannot be
// opened, is reported as absent; lookups never fail.
func (c *Catalog) GetBlockPosition(block uint32, mode Mode) (uint64, bool) {
	m, ok := c.mappedFor(block, mode)
	if !ok {
		return 0, false
	}
	pos, err := m.position(block)
	if err != nil {
		c.closeActive()
		c.miss(block, err)
		return 0, false
	}
	return pos, true
}

// EntryForBlock returns the header of block and its payload, mapped in
// Catalog.Mode. The payload aliases the mapping: it is only valid until the
// next call on the catalog, which may unmap it.
func (c *Catalog) EntryForBlock(block uint32) (Header, []byte, bool) {
	return c.entryForBlock(block, c.Config.Catalog.Mode)
}

func (c *Catalog) entryForBlock(block uint32, mode Mode) (Header, []byte, bool) {
	pos, ok := c.GetBlockPosition(block, mode)
	if !ok {
		return Header{}, nil, false
	}
	h, payload, err := c.active.entry(pos)
	if err == nil && h.BlockNum != block {
		err = fmt.Errorf("%w: index points block %d at entry for %d", ErrCorruptLog, block, h.BlockNum)
	}
	if err != nil {
		c.closeActive()
		c.miss(block, err)
		return Header{}, nil, false
	}
	return h, payload, true
}

// ROStreamForBlock returns a reader positioned at block's payload and the
// payload size. A missing block yields an empty reader and size 0.
//
// The reader reads the read-only mapping directly and must not be used after
// the next call on the catalog.
func (c *Catalog) ROStreamForBlock(block uint32) (*bytes.Reader, uint64) {
	_, payload, ok := c.entryForBlock(block, ReadOnly)
	if !ok {
		return bytes.NewReader(nil), 0
	}
	return bytes.NewReader(payload), uint64(len(payload))
}

// RWStreamForBlock is ROStreamForBlock over a writable mapping, so the payload
// can be overwritten in place. The same lifetime applies.
func (c *Catalog) RWStreamForBlock(block uint32) (*PayloadStream, uint64) {
	_, payload, ok := c.entryForBlock(block, ReadWrite)
	if !ok {
		return &PayloadStream{}, 0
	}
	return &PayloadStream{b: payload}, uint64(len(payload))
}

// IDForBlock returns the stored id of a retained block.
func (c *Catalog) IDForBlock(block uint32) (BlockID, bool) {
	h, _, ok := c.entryForBlock(block, c.Config.Catalog.Mode)
	return h.BlockID, ok
}

// Add rotates the finished pair <dir>/<name>.{log,index} holding blocks
// [first, last] into the retained directory, evicting the oldest retained
// pairs beyond MaxRetainedFiles. When retention is disabled the pair is still
// moved into the retained directory but is not cataloged.
func (c *Catalog) Add(first, last uint32, dir, name string) error {
	src := filepath.Join(dir, name)
	limit := c.Config.Catalog.MaxRetainedFiles

	stem := filepath.Join(c.dir, fmt.Sprintf("%s-%d-%d", c.Config.Segment.Name, first, last))
	if _, err := os.Stat(stem + ".log"); err == nil {
		c.logger.Warn("retained file already exists, discarding the rotated one",
			zap.String("existing", stem+".log"),
			zap.String("rotated", src+".log"),
		)
		return removePair(src)
	}
	if err := renamePair(src, stem); err != nil {
		return err
	}
	if limit == 0 {
		c.logger.Info("retention disabled, rotated log left uncataloged", zap.String("path", stem+".log"))
		return nil
	}

	for uint32(len(c.entries)) >= limit {
		if err := c.evict(c.entries[0]); err != nil {
			return err
		}
		c.entries = c.entries[1:]
	}

	c.insert(Range{FirstBlock: first, LastBlock: last, Path: stem})
	c.observer.SegmentRotated(first, last)
	c.logger.Info("rotated log", zap.String("path", stem+".log"))
	return nil
}

// evict archives r when an archive directory is configured and removes it otherwise.
func (c *Catalog) evict(r Range) error {
	if c.active != nil && c.active.stem == r.Path {
		c.closeActive()
	}

	archive := c.Config.Catalog.ArchiveDir
	var err error
	if archive != "" {
		err = renamePair(r.Path, filepath.Join(archive, filepath.Base(r.Path)))
	} else {
		err = removePair(r.Path)
	}
	if err != nil {
		return err
	}

	c.observer.SegmentEvicted(r.FirstBlock, r.LastBlock, archive != "")
	c.logger.Info("evicted retained log",
		zap.String("path", r.Path+".log"),
		zap.Bool("archived", archive != ""),
	)
	return nil
}

// Truncate drops every retained pair starting after block. The pair holding
// block, if any, leaves the catalog and is renamed to newStem.{log,index} so
// the caller can continue writing it; its first block is returned. 0 means no
// pair held block.
func (c *Catalog) Truncate(block uint32, newStem string) (uint32, error) {
	if len(c.entries) == 0 {
		return 0, nil
	}
	c.closeActive()

	for len(c.entries) > 0 {
		r := c.entries[len(c.entries)-1]
		if r.FirstBlock > block {
			if err := removePair(r.Path); err != nil {
				return 0, err
			}
			c.entries = c.entries[:len(c.entries)-1]
			continue
		}
		if block > r.LastBlock {
			break
		}
		if err := renamePair(r.Path, newStem); err != nil {
			return 0, err
		}
		c.entries = c.entries[:len(c.entries)-1]
		return r.FirstBlock, nil
	}
	return 0, nil
}

// Ranges returns a copy of the retained ranges in block order.
func (c *Catalog) Ranges() []Range {
	return append([]Range(nil), c.entries...)
}

// Len returns the number of retained pairs.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Empty reports whether no pair is retained.
func (c *Catalog) Empty() bool {
	return len(c.entries) == 0
}

// FirstBlockNum returns the first retained block, or 0 when empty.
func (c *Catalog) FirstBlockNum() uint32 {
	if c.Empty() {
		return 0
	}
	return c.entries[0].FirstBlock
}

// LastBlockNum returns the last retained block, or 0 when empty.
func (c *Catalog) LastBlockNum() uint32 {
	if c.Empty() {
		return 0
	}
	return c.entries[len(c.entries)-1].LastBlock
}

func (c *Catalog) closeActive() {
	if c.active == nil {
		return
	}
	if err := c.active.Close(); err != nil {
		c.logger.Warn("unmapping retained log", zap.String("path", c.active.stem), zap.Error(err))
	}
	c.active = nil
}

// Close releases the current mapping.
func (c *Catalog) Close() error {
	if c.active == nil {
		return nil
	}
	err := c.active.Close()
	c.active = nil
	return err
}

func renamePair(from, to string) error {
	if err := os.Rename(from+".log", to+".log"); err != nil {
		return err
	}
	return os.Rename(from+".index", to+".index")
}

func removePair(stem string) error {
	for _, ext := range []string{".log", ".index"} {
		if err := os.Remove(stem + ext); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
