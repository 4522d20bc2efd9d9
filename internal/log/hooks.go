package log

// Verifier validates a retained log file found while opening a catalog.
// A non-nil error aborts Catalog setup.
type Verifier interface {
	Verify(s *Segment, path string) error
}

// Observer receives notifications of self-healing and lifecycle events.
// Implementations may emit metrics.
type Observer interface {
	SegmentRecovered(path string, discardedBytes uint64)
	IndexRebuilt(path string)
	SegmentRotated(firstBlock, lastBlock uint32)
	SegmentEvicted(firstBlock, lastBlock uint32, archived bool)
	LookupMissed(block uint32)
}

type noopVerifier struct{}

func (noopVerifier) Verify(*Segment, string) error { return nil }

type noopObserver struct{}

func (noopObserver) SegmentRecovered(string, uint64)     {}
func (noopObserver) IndexRebuilt(string)                 {}
func (noopObserver) SegmentRotated(uint32, uint32)       {}
func (noopObserver) SegmentEvicted(uint32, uint32, bool) {}
func (noopObserver) LookupMissed(uint32)                 {}
