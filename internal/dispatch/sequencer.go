package dispatch

import "landmarkd/pkg/types"

// outcome is the fate of one frame: a result, or a drop with its reason.
type outcome struct {
	pos    int
	result *types.FrameResult
	reason string
}

// sequencer buffers outcomes that complete out of order and releases them
// lowest position first, once every lower position has been released.
type sequencer struct {
	next    int
	pending map[int]outcome
	emit    func(outcome)
}

func newSequencer(emit func(outcome)) *sequencer {
	return &sequencer{pending: make(map[int]outcome), emit: emit}
}

func (s *sequencer) complete(o outcome) {
	if o.pos < s.next {
		return
	}
	if _, dup := s.pending[o.pos]; dup {
		return
	}
	s.pending[o.pos] = o
	for {
		nxt, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.emit(nxt)
	}
}

// buffered returns how many outcomes wait behind a gap.
func (s *sequencer) buffered() int { return len(s.pending) }
