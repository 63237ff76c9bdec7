package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer captures the output of Printf before a console driver is
// attached. Once full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest unread byte and count the number
	// of unread bytes.
	start, count int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF when the buffer
// holds no unread data.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		// copy the contiguous chunk up to the end of the backing array
		chunk := rb.count
		if tail := ringBufferSize - rb.start; chunk > tail {
			chunk = tail
		}
		chunk = copy(p[n:], rb.buffer[rb.start:rb.start+chunk])

		n += chunk
		rb.count -= chunk
		rb.start = (rb.start + chunk) & (ringBufferSize - 1)
	}

	return n, nil
}

// Reset discards any buffered data.
func (rb *ringBuffer) Reset() {
	rb.start, rb.count = 0, 0
}
