// Package progress reports byte counts as a completion fraction in [0, 1].
package progress

import (
	"io"
	"sync"
)

// Func receives the completed fraction of the current operation.
type Func func(fraction float64)

// Tracker accumulates bytes against a known total.
type Tracker struct {
	mu    sync.Mutex
	total int64
	done  int64
	fn    Func
}

// NewTracker returns nil when fn is nil; a nil Tracker ignores updates.
func NewTracker(total int64, fn Func) *Tracker {
	if fn == nil {
		return nil
	}
	return &Tracker{total: total, fn: fn}
}

func (t *Tracker) Add(n int64) {
	if t == nil || n == 0 {
		return
	}
	t.mu.Lock()
	t.done += n
	f := fraction(t.done, t.total)
	t.mu.Unlock()
	t.fn(f)
}

// Complete forces the fraction to 1, e.g. for empty inputs.
func (t *Tracker) Complete() {
	if t == nil {
		return
	}
	t.fn(1)
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Reader counts bytes read from r into the tracker.
func Reader(r io.Reader, t *Tracker) io.Reader {
	if t == nil {
		return r
	}
	return &countingReader{r: r, t: t}
}

type countingReader struct {
	r io.Reader
	t *Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.t.Add(int64(n))
	return n, err
}
