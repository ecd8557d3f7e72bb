package transcription

import (
	"errors"
	"sync"

	"google.golang.org/api/iterator"
)

// SegmentIterator yields segments one at a time. Next returns iterator.Done
// once the sequence is exhausted. Iterators cannot be restarted.
type SegmentIterator interface {
	Next() (Segment, error)
	Close() error
}

type sliceIterator struct {
	mu       sync.Mutex
	segments []Segment
	pos      int
	closed   bool
}

// NewSliceIterator returns an iterator over a fixed list of segments
func NewSliceIterator(segments []Segment) SegmentIterator {
	return &sliceIterator{segments: segments}
}

func (it *sliceIterator) Next() (Segment, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed || it.pos >= len(it.segments) {
		return Segment{}, iterator.Done
	}
	seg := it.segments[it.pos]
	it.pos++
	return seg, nil
}

func (it *sliceIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	it.segments = nil
	return nil
}

// Collect drains it into a slice
func Collect(it SegmentIterator) ([]Segment, error) {
	var segments []Segment
	for {
		seg, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return segments, nil
		}
		if err != nil {
			return segments, err
		}
		segments = append(segments, seg)
	}
}
