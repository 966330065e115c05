package interval

import "github.com/relabs-tech/inertial_calibrator/internal/triad"

// ring is a fixed-capacity circular buffer of the most recent triads.
// It backs the detector's sliding window and is owned exclusively by it.
type ring struct {
	buf  []triad.Triad
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]triad.Triad, capacity)}
}

func (r *ring) push(t triad.Triad) {
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) len() int {
	return r.n
}

func (r *ring) full() bool {
	return r.n == len(r.buf)
}

// do calls fn for every buffered triad, oldest first.
func (r *ring) do(fn func(triad.Triad)) {
	start := r.head - r.n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.n; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

func (r *ring) reset() {
	r.head = 0
	r.n = 0
}
