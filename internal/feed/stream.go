package feed

// stream is a fixed-size ring over a contiguous run of deltas. It holds every
// delta with base < key <= last.
type stream struct {
	global bool
	ring   []Delta
	head   int // index of the oldest held delta
	n      int // number of held deltas
	base   int64
	last   int64
	// changed is closed and replaced on every append.
	changed chan struct{}

	// subs counts open subscriptions. A retired stream is forgotten by the
	// hub once subs reaches zero.
	subs    int
	retired bool
}

func newStream(base int64, capacity int, global bool) *stream {
	if capacity < 1 {
		capacity = 1
	}
	return &stream{
		global:  global,
		ring:    make([]Delta, capacity),
		base:    base,
		last:    base,
		changed: make(chan struct{}),
	}
}

func (s *stream) append(d Delta) {
	k := key(d, s.global)
	if k <= s.last {
		return
	}
	if k != s.last+1 {
		// Keys were skipped; the window restarts just below k.
		s.head, s.n = 0, 0
		s.base = k - 1
	}
	if s.n == len(s.ring) {
		s.head = (s.head + 1) % len(s.ring)
		s.n--
		s.base++
	}
	s.ring[(s.head+s.n)%len(s.ring)] = d
	s.n++
	s.last = k

	close(s.changed)
	s.changed = make(chan struct{})
}

// next returns the delta following cursor. ok is false when the cursor is
// caught up.
func (s *stream) next(cursor int64) (d Delta, ok bool, err error) {
	if cursor < s.base || cursor > s.last {
		return Delta{}, false, ErrResyncRequired
	}
	if cursor == s.last {
		return Delta{}, false, nil
	}
	i := int(cursor - s.base)
	return s.ring[(s.head+i)%len(s.ring)], true, nil
}
