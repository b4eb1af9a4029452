package protocol

import (
	"strconv"
	"sync/atomic"
	"time"
)

// sequenceSource issues millisecond timestamps that never repeat, even when
// asked twice in the same millisecond.
type sequenceSource struct {
	last atomic.Int64
	now  func() time.Time
}

func (s *sequenceSource) Next() Sequence {
	for {
		prev := s.last.Load()
		n := s.now().UnixMilli()
		if n <= prev {
			n = prev + 1
		}
		if s.last.CompareAndSwap(prev, n) {
			return Sequence(strconv.FormatInt(n, 10))
		}
	}
}
