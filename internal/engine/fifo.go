/****************************************************************************
*
* COPYRIGHT 2025 Mike Hughes <mike <AT> mikehughes <DOT> info
*
****************************************************************************/

package engine

// fifo is a growable ring of output samples. It is not safe for concurrent
// use; the owning Stretcher is driven from one goroutine at a time.
type fifo struct {
	buf  []float32
	head int
	size int
}

func newFIFO(capacity int) fifo {
	return fifo{buf: make([]float32, capacity)}
}

func (f *fifo) len() int { return f.size }

func (f *fifo) push(v float32) {
	if f.size == len(f.buf) {
		f.grow()
	}
	f.buf[(f.head+f.size)%len(f.buf)] = v
	f.size++
}

// pop moves up to len(dst) samples into dst and returns how many were moved.
func (f *fifo) pop(dst []float32) int {
	n := len(dst)
	if n > f.size {
		n = f.size
	}
	for i := 0; i < n; i++ {
		dst[i] = f.buf[f.head]
		f.head = (f.head + 1) % len(f.buf)
	}
	f.size -= n
	return n
}

// discard drops up to n samples from the front.
func (f *fifo) discard(n int) {
	if n > f.size {
		n = f.size
	}
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
}

func (f *fifo) clear() {
	f.head = 0
	f.size = 0
}

func (f *fifo) grow() {
	next := make([]float32, 2*len(f.buf)+1)
	for i := 0; i < f.size; i++ {
		next[i] = f.buf[(f.head+i)%len(f.buf)]
	}
	f.buf = next
	f.head = 0
}
