package proc

// ringBuffer keeps the last Cap bytes written to it. The child's stderr
// goes through one of these so a chatty scanner cannot grow memory without
// bound while the tail stays available for failure reports.
type ringBuffer struct {
	buf  []byte
	w    int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.w = 0
		r.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(r.buf[r.w:], p)
		r.w += c
		if r.w == len(r.buf) {
			r.w = 0
			r.full = true
		}
		p = p[c:]
	}
	return n, nil
}

// String reassembles the retained bytes in write order.
func (r *ringBuffer) String() string {
	if !r.full {
		return string(r.buf[:r.w])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.w:]...)
	out = append(out, r.buf[:r.w]...)
	return string(out)
}
