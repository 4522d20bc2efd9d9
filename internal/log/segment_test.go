package log

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	api "github.com/pandulaDW/state-history-log/api/v1"
)

const testName = "trace_history"

func blockID(n uint32) BlockID {
	var id BlockID
	enc.PutUint32(id[:], n)
	id[31] = 0xab
	return id
}

func forkID(n uint32) BlockID {
	id := blockID(n)
	id[31] = 0xcd
	return id
}

func payloadFor(n uint32) []byte {
	return []byte(fmt.Sprintf("traces of block %d", n))
}

func header(n uint32, id BlockID, p []byte) Header {
	return Header{BlockNum: n, BlockID: id, PayloadSize: uint64(len(p))}
}

func writer(p []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(p)
		return err
	}
}

type entryWriter interface {
	WriteEntry(h Header, prevID BlockID, write func(io.Writer) error) error
}

// writeBlocks writes blocks [from, to) chained by blockID.
func writeBlocks(t *testing.T, w entryWriter, from, to uint32) {
	t.Helper()
	for n := from; n < to; n++ {
		p := payloadFor(n)
		require.NoError(t, w.WriteEntry(header(n, blockID(n), p), blockID(n-1), writer(p)))
	}
}

type recordingObserver struct {
	recovered, discarded, rebuilt, rotated, deleted, archived, missed int
}

func (r *recordingObserver) SegmentRecovered(_ string, discarded uint64) {
	r.recovered++
	r.discarded += int(discarded)
}
func (r *recordingObserver) IndexRebuilt(string)           { r.rebuilt++ }
func (r *recordingObserver) SegmentRotated(uint32, uint32) { r.rotated++ }
func (r *recordingObserver) SegmentEvicted(_, _ uint32, archived bool) {
	if archived {
		r.archived++
	} else {
		r.deleted++
	}
}
func (r *recordingObserver) LookupMissed(uint32) { r.missed++ }

func testConfig(dir string) Config {
	c := Config{}
	c.Segment.Dir = dir
	c.Segment.Name = testName
	c.Logger = zap.NewNop()
	return c
}

func TestSegment(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, dir string, c Config){
		"written entries read back identically":     testSegmentRoundTrip,
		"reopening restores the block range":        testSegmentReopen,
		"writing inside the log truncates the fork": testSegmentForkTruncation,
		"previous id must match the stored block":   testSegmentForkMismatch,
		"skipping a block fails":                    testSegmentGap,
		"payload size mismatch is rolled back":      testSegmentPayloadSize,
		"partially written tail is recovered":       testSegmentRecovery,
		"garbage after the last entry is recovered": testSegmentTrailingGarbage,
		"missing index is regenerated identically":  testSegmentIndexRegeneration,
		"index behind the log is regenerated":       testSegmentShortIndex,
		"corrupt entry aborts index regeneration":   testSegmentCorruptIndexRebuild,
		"truncating before the first block empties": testSegmentTruncateAll,
	} {
		t.Run(scenario, func(t *testing.T) {
			dir, err := ioutil.TempDir("", "segment-test")
			require.NoError(t, err)
			defer func(path string) {
				_ = os.RemoveAll(path)
			}(dir)
			fn(t, dir, testConfig(dir))
		})
	}
}

func testSegmentRoundTrip(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.True(t, s.Empty())

	writeBlocks(t, s, 10, 20)
	require.Equal(t, uint32(10), s.FirstBlockNum())
	require.Equal(t, uint32(20), s.EndBlock())
	require.Equal(t, blockID(19), s.LastBlockID())

	for n := uint32(10); n < 20; n++ {
		h, r, err := s.GetEntry(n)
		require.NoError(t, err)
		require.Equal(t, header(n, blockID(n), payloadFor(n)), h)
		got, err := ioutil.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, payloadFor(n), got)

		id, err := s.BlockID(n)
		require.NoError(t, err)
		require.Equal(t, blockID(n), id)
	}

	for _, n := range []uint32{9, 20} {
		_, _, err = s.GetEntry(n)
		var oor api.ErrBlockOutOfRange
		require.True(t, errors.As(err, &oor))
		require.Equal(t, n, oor.Block)
	}
}

func testSegmentReopen(t *testing.T, dir string, c Config) {
	obs := &recordingObserver{}
	c.Observer = obs

	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 8)
	require.NoError(t, s.Close())

	s, err = OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.Equal(t, uint32(0), s.FirstBlockNum())
	require.Equal(t, uint32(8), s.EndBlock())
	require.Equal(t, blockID(7), s.LastBlockID())
	require.Equal(t, 0, obs.recovered)
	require.Equal(t, 0, obs.rebuilt)

	writeBlocks(t, s, 8, 10)
	_, r, err := s.GetEntry(9)
	require.NoError(t, err)
	got, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payloadFor(9), got)
}

func testSegmentForkTruncation(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	writeBlocks(t, s, 10, 20)

	p := []byte("the other side of the fork")
	require.NoError(t, s.WriteEntry(header(15, forkID(15), p), blockID(14), writer(p)))

	require.Equal(t, uint32(10), s.FirstBlockNum())
	require.Equal(t, uint32(16), s.EndBlock())
	require.Equal(t, uint64(6), s.index.Records())
	require.Equal(t, forkID(15), s.LastBlockID())

	h, r, err := s.GetEntry(15)
	require.NoError(t, err)
	require.Equal(t, forkID(15), h.BlockID)
	got, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, p, got)

	_, _, err = s.GetEntry(16)
	require.True(t, errors.As(err, &api.ErrBlockOutOfRange{}))

	// the fork continues from its own id
	q := payloadFor(16)
	require.NoError(t, s.WriteEntry(header(16, blockID(16), q), forkID(15), writer(q)))
	require.Equal(t, uint32(17), s.EndBlock())
}

func testSegmentForkMismatch(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	writeBlocks(t, s, 10, 13)

	p := payloadFor(13)
	err = s.WriteEntry(header(13, blockID(13), p), forkID(12), writer(p))
	require.ErrorIs(t, err, ErrForkMismatch)
	require.Equal(t, uint32(13), s.EndBlock())

	// a rejected fork write leaves the log untouched
	err = s.WriteEntry(header(11, forkID(11), p), forkID(10), writer(p))
	require.ErrorIs(t, err, ErrForkMismatch)
	require.Equal(t, uint32(13), s.EndBlock())
	require.Equal(t, blockID(12), s.LastBlockID())
}

func testSegmentGap(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	writeBlocks(t, s, 10, 13)

	p := payloadFor(15)
	err = s.WriteEntry(header(15, blockID(15), p), blockID(14), writer(p))
	require.ErrorIs(t, err, ErrBlockGap)
	require.Equal(t, uint32(13), s.EndBlock())
}

func testSegmentPayloadSize(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 3)
	require.NoError(t, s.Flush())
	size := s.store.size

	h := Header{BlockNum: 3, BlockID: blockID(3), PayloadSize: 10}
	err = s.WriteEntry(h, blockID(2), writer([]byte("four")))
	require.ErrorIs(t, err, ErrPayloadSize)
	require.Equal(t, uint32(3), s.EndBlock())
	require.Equal(t, size, s.store.size)

	failing := errors.New("serializer failed")
	err = s.WriteEntry(h, blockID(2), func(w io.Writer) error {
		_, _ = w.Write([]byte("part"))
		return failing
	})
	require.ErrorIs(t, err, failing)
	require.Equal(t, size, s.store.size)

	writeBlocks(t, s, 3, 5)
	require.NoError(t, s.Close())

	obs := &recordingObserver{}
	c.Observer = obs
	s, err = OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.Equal(t, uint32(5), s.EndBlock())
	require.Equal(t, 0, obs.recovered)
}

// entryStart returns the header offset of block n in a log that starts at block 0.
func entryStart(n uint32) uint64 {
	var pos uint64
	for b := uint32(0); b < n; b++ {
		pos += entrySpan(uint64(len(payloadFor(b))))
	}
	return pos
}

func testSegmentRecovery(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 5)
	require.NoError(t, s.Close())

	for _, cut := range []uint64{
		entryStart(4) + 3,                   // inside the header of block 4
		entryStart(4) + headerWidth + 2,     // inside its payload
		entryStart(5) - 1,                   // inside its trailer
		entryStart(3) + headerWidth + 7 + 2, // well inside block 3
	} {
		require.NoError(t, os.Truncate(filepath.Join(dir, testName+".log"), int64(cut)))

		obs := &recordingObserver{}
		c.Observer = obs
		s, err = OpenSegment(dir, testName, c)
		require.NoError(t, err)

		want := uint32(4)
		if cut < entryStart(4) {
			want = 3
		}
		require.Equal(t, want, s.EndBlock())
		require.Equal(t, uint64(want), s.index.Records())
		require.Equal(t, blockID(want-1), s.LastBlockID())
		require.Equal(t, 1, obs.recovered)
		require.Equal(t, int(cut-entryStart(want)), obs.discarded)

		fi, err := os.Stat(s.LogPath())
		require.NoError(t, err)
		require.Equal(t, int64(entryStart(want)), fi.Size())

		_, r, err := s.GetEntry(want - 1)
		require.NoError(t, err)
		got, err := ioutil.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, payloadFor(want-1), got)

		// the recovered log keeps accepting blocks
		writeBlocks(t, s, want, 5)
		require.NoError(t, s.Close())
	}
}

func testSegmentTrailingGarbage(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 3)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, testName+".log"), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 70))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.Equal(t, uint32(3), s.EndBlock())
	require.Equal(t, entryStart(3), s.store.size)
}

func testSegmentIndexRegeneration(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 100, 140)
	p := []byte("fork")
	require.NoError(t, s.WriteEntry(header(120, forkID(120), p), blockID(119), writer(p)))
	q := payloadFor(121)
	require.NoError(t, s.WriteEntry(header(121, blockID(121), q), forkID(120), writer(q)))
	writeBlocks(t, s, 122, 125)
	require.NoError(t, s.Close())

	indexPath := filepath.Join(dir, testName+".index")
	want, err := ioutil.ReadFile(indexPath)
	require.NoError(t, err)
	require.Len(t, want, 25*posWidth)
	require.NoError(t, os.Remove(indexPath))

	core, logs := observer.New(zap.WarnLevel)
	c.Logger = zap.New(core)
	obs := &recordingObserver{}
	c.Observer = obs

	s, err = OpenSegment(dir, testName, c)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got, err := ioutil.ReadFile(indexPath)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 1, obs.rebuilt)
	require.Equal(t, 1, logs.FilterMessage("regenerating index").Len())
}

func testSegmentShortIndex(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 6)
	require.NoError(t, s.Close())

	require.NoError(t, os.Truncate(filepath.Join(dir, testName+".index"), 3*posWidth))

	obs := &recordingObserver{}
	c.Observer = obs
	s, err = OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.Equal(t, 1, obs.rebuilt)
	require.Equal(t, uint64(6), s.index.Records())

	h, _, err := s.GetEntry(5)
	require.NoError(t, err)
	require.Equal(t, uint32(5), h.BlockNum)
}

func testSegmentCorruptIndexRebuild(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	writeBlocks(t, s, 0, 5)
	require.NoError(t, s.Close())

	// point the trailer of block 1 somewhere else
	f, err := os.OpenFile(filepath.Join(dir, testName+".log"), os.O_RDWR, 0644)
	require.NoError(t, err)
	bogus := make([]byte, posWidth)
	enc.PutUint64(bogus, 12345)
	_, err = f.WriteAt(bogus, int64(entryStart(2)-posWidth))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, testName+".index")))

	_, err = OpenSegment(dir, testName, c)
	require.ErrorIs(t, err, ErrCorruptLog)
}

func testSegmentTruncateAll(t *testing.T, dir string, c Config) {
	s, err := OpenSegment(dir, testName, c)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	writeBlocks(t, s, 50, 55)

	require.NoError(t, s.Truncate(60))
	require.Equal(t, uint32(55), s.EndBlock())

	require.NoError(t, s.Truncate(52))
	require.Equal(t, uint32(52), s.EndBlock())
	require.Equal(t, blockID(51), s.LastBlockID())

	require.NoError(t, s.Truncate(50))
	require.True(t, s.Empty())
	require.Equal(t, uint64(0), s.store.size)
	require.Equal(t, uint64(0), s.index.Records())

	// an empty log accepts any first block
	writeBlocks(t, s, 7, 9)
	require.Equal(t, uint32(7), s.FirstBlockNum())
	require.Equal(t, uint32(9), s.EndBlock())
}
