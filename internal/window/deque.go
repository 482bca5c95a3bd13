package window

import "time"

// Deque is a ring buffer of timestamps, oldest at the front.
// Callers push non-decreasing timestamps; eviction only ever looks at the front.
type Deque struct {
	buf  []time.Time
	head int
	n    int
}

func (d *Deque) Len() int { return d.n }

func (d *Deque) PushBack(ts time.Time) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = ts
	d.n++
}

func (d *Deque) Front() (time.Time, bool) {
	if d.n == 0 {
		return time.Time{}, false
	}
	return d.buf[d.head], true
}

// EvictBefore drops entries older than keep relative to now (now-ts > keep).
// Entries exactly keep old stay. Returns how many were dropped.
func (d *Deque) EvictBefore(now time.Time, keep time.Duration) int {
	dropped := 0
	for d.n > 0 && now.Sub(d.buf[d.head]) > keep {
		d.buf[d.head] = time.Time{}
		d.head = (d.head + 1) % len(d.buf)
		d.n--
		dropped++
	}
	if d.n == 0 {
		d.head = 0
	}
	return dropped
}

// Items copies the window contents, oldest first.
func (d *Deque) Items() []time.Time {
	out := make([]time.Time, d.n)
	for i := 0; i < d.n; i++ {
		out[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	return out
}

func (d *Deque) grow() {
	size := len(d.buf) * 2
	if size == 0 {
		size = 4
	}
	nb := make([]time.Time, size)
	for i := 0; i < d.n; i++ {
		nb[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = nb
	d.head = 0
}
