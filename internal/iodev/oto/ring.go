package oto

import "sync"

// ring is the byte FIFO between the engine thread and the oto player. Reads
// never block: when it runs dry the player gets silence and an underrun is
// counted.
type ring struct {
	mu        sync.Mutex
	buf       []byte
	r, n      int
	underruns int
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Write copies as much of p as fits and returns the byte count
func (r *ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for len(p) > 0 && r.n < len(r.buf) {
		w := (r.r + r.n) % len(r.buf)
		end := len(r.buf)
		if w < r.r {
			end = r.r
		}
		c := copy(r.buf[w:end], p)
		r.n += c
		p = p[c:]
		written += c
	}
	return written
}

// Read implements io.Reader for the oto player
func (r *ring) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		r.underruns++
		clear(p)
		return len(p), nil
	}
	read := 0
	for read < len(p) && r.n > 0 {
		end := min(len(r.buf), r.r+r.n)
		c := copy(p[read:], r.buf[r.r:end])
		r.r = (r.r + c) % len(r.buf)
		r.n -= c
		read += c
	}
	return read, nil
}

// TakeUnderruns returns and resets the starvation count
func (r *ring) TakeUnderruns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.underruns
	r.underruns = 0
	return u
}
