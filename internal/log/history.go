package log

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	api "github.com/pandulaDW/state-history-log/api/v1"
	"go.uber.org/zap"
)

// History is the write side of a state history log: one active segment that
// receives new blocks, rotated into a Catalog of retained segments every
// Catalog.Stride blocks.
type History struct {
	Config  Config
	active  *Segment
	catalog *Catalog
	logger  *zap.Logger
}

// NewHistory opens the active segment in Segment.Dir and the catalog of
// retained segments, creating directories as needed.
func NewHistory(c Config) (*History, error) {
	if c.Segment.Name == "" {
		c.Segment.Name = "history"
	}
	if err := os.MkdirAll(c.Segment.Dir, 0755); err != nil {
		return nil, err
	}

	h := &History{Config: c, logger: c.logger()}

	var err error
	if h.catalog, err = NewCatalog(c); err != nil {
		return nil, err
	}
	if h.active, err = OpenSegment(c.Segment.Dir, c.Segment.Name, c); err != nil {
		_ = h.catalog.Close()
		return nil, err
	}
	return h, nil
}

// WriteEntry appends block hdr.BlockNum. A block that precedes the active
// segment but lies in a retained one discards the active segment and
// reopens the retained segment holding the block as the active one before
// writing, which drops every later block.
func (h *History) WriteEntry(hdr Header, prevID BlockID, write func(io.Writer) error) error {
	if h.active == nil {
		return ErrNoActiveSegment
	}
	if !h.catalog.Empty() && hdr.BlockNum <= h.catalog.LastBlockNum() &&
		(h.active.Empty() || hdr.BlockNum < h.active.FirstBlockNum()) {
		if err := h.fork(hdr.BlockNum); err != nil {
			return err
		}
	}

	// the predecessor of the first block of the active segment is retained
	if !h.catalog.Empty() && hdr.BlockNum > 0 && (h.active.Empty() || hdr.BlockNum <= h.active.FirstBlockNum()) {
		if id, ok := h.catalog.IDForBlock(hdr.BlockNum - 1); ok && id != prevID {
			return fmt.Errorf("%w: block %d declares previous %s, log holds %s",
				ErrForkMismatch, hdr.BlockNum, prevID, id)
		}
	}

	if err := h.active.WriteEntry(hdr, prevID, write); err != nil {
		return err
	}

	if stride := h.Config.Catalog.Stride; stride > 0 && (hdr.BlockNum+1)%stride == 0 {
		return h.rotate()
	}
	return nil
}

func (h *History) fork(block uint32) error {
	h.logger.Info("fork reaches into retained logs", zap.Uint32("block", block))

	if err := h.active.Remove(); err != nil {
		return h.reopen(err)
	}
	stem := filepath.Join(h.Config.Segment.Dir, h.Config.Segment.Name)
	if _, err := h.catalog.Truncate(block, stem); err != nil {
		return h.reopen(err)
	}
	return h.reopen(nil)
}

// rotate hands the active segment to the catalog and starts an empty one.
func (h *History) rotate() error {
	first, last := h.active.FirstBlockNum(), h.active.EndBlock()-1
	if err := h.active.Close(); err != nil {
		return err
	}
	return h.reopen(h.catalog.Add(first, last, h.Config.Segment.Dir, h.Config.Segment.Name))
}

// reopen opens whatever pair is in the active slot after the previous one was
// closed. cause is returned alongside any open failure; when the open fails
// the History has no active segment and refuses further reads and writes.
func (h *History) reopen(cause error) error {
	s, err := OpenSegment(h.Config.Segment.Dir, h.Config.Segment.Name, h.Config)
	if err != nil {
		h.active = nil
		return errors.Join(cause, err)
	}
	h.active = s
	return cause
}

// holds reports whether the active segment holds block.
func (h *History) holds(block uint32) bool {
	return !h.activeEmpty() && block >= h.active.FirstBlockNum() && block < h.active.EndBlock()
}

func (h *History) activeEmpty() bool {
	return h.active == nil || h.active.Empty()
}

// GetEntry returns the header of block and a reader over its payload, from
// the active segment or a retained one. A retained payload is copied out of
// the catalog's mapping, so the reader outlives later lookups.
func (h *History) GetEntry(block uint32) (Header, io.Reader, error) {
	if h.active == nil {
		return Header{}, nil, ErrNoActiveSegment
	}
	if h.holds(block) {
		hdr, payload, err := h.active.GetEntry(block)
		if err != nil {
			return Header{}, nil, err
		}
		return hdr, payload, nil
	}

	if hdr, payload, ok := h.catalog.EntryForBlock(block); ok {
		return hdr, bytes.NewReader(append([]byte(nil), payload...)), nil
	}

	err := api.ErrBlockOutOfRange{Block: block}
	if !h.Empty() {
		err.BeginBlock, err.EndBlock = h.FirstBlockNum(), h.LastBlockNum()+1
	}
	return Header{}, nil, err
}

// IDForBlock returns the stored id of block.
func (h *History) IDForBlock(block uint32) (BlockID, bool) {
	if h.holds(block) {
		id, err := h.active.BlockID(block)
		return id, err == nil
	}
	return h.catalog.IDForBlock(block)
}

// FirstBlockNum returns the oldest block held, retained or active.
func (h *History) FirstBlockNum() uint32 {
	if !h.catalog.Empty() || h.active == nil {
		return h.catalog.FirstBlockNum()
	}
	return h.active.FirstBlockNum()
}

// LastBlockNum returns the newest block held.
func (h *History) LastBlockNum() uint32 {
	if !h.activeEmpty() {
		return h.active.EndBlock() - 1
	}
	return h.catalog.LastBlockNum()
}

// Empty reports whether no block is held.
func (h *History) Empty() bool {
	return h.activeEmpty() && h.catalog.Empty()
}

// Catalog returns the catalog of retained segments.
func (h *History) Catalog() *Catalog {
	return h.catalog
}

// Active returns the segment currently being written, or nil after a failed
// rotation or fork left none.
func (h *History) Active() *Segment {
	return h.active
}

// Close closes the active segment and releases the catalog's mapping.
func (h *History) Close() error {
	if h.active != nil {
		if err := h.active.Close(); err != nil {
			return err
		}
	}
	return h.catalog.Close()
}
