// Package ringpipe implements a lock-free, single-producer/single-consumer
// byte pipe with explicit read/write pointer placement.
//
// A Pipe never blocks, never allocates on Read/Write, and never takes a
// lock: the write pointer is owned by exactly one producer goroutine, the
// read pointer by exactly one consumer goroutine, and each is published
// through a single atomic word with acquire/release ordering. This mirrors
// JACK's jack_adapterpipe_t (see original_source/common/adapterpipe.h) far
// more closely than a mutex-guarded ring such as smallnest/ringbuffer
// (used elsewhere in this module's pack for non-realtime buffering) can:
// the producer and consumer here run on threads that must never block on
// each other, which rules out any lock-based implementation.
package ringpipe

import "sync/atomic"

// Pipe is a power-of-two-sized byte buffer shared by one producer and one
// consumer thread. The zero value is not usable; construct with New.
type Pipe struct {
	buf      []byte
	size     uint64
	sizeMask uint64

	// writePtr is advanced only by the producer; readPtr only by the
	// consumer. Each is a single machine word, so neither side ever
	// observes a torn value, and the atomic load/store gives the
	// acquire/release ordering the other side needs without a fence.
	writePtr atomic.Uint64
	readPtr  atomic.Uint64

	xrun atomic.Bool
}

// New allocates a Pipe of at least sz bytes, rounded up to the next power
// of two.
func New(sz int) *Pipe {
	p := &Pipe{}
	p.alloc(sz)
	return p
}

func (p *Pipe) alloc(sz int) {
	size := nextPowerOfTwo(sz)
	p.buf = make([]byte, size)
	p.size = uint64(size)
	p.sizeMask = uint64(size) - 1
	p.writePtr.Store(0)
	p.readPtr.Store(0)
	p.xrun.Store(false)
}

func nextPowerOfTwo(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Reset zeroes both pointers and clears the xrun flag. Not safe to call
// concurrently with Read/Write.
func (p *Pipe) Reset() {
	p.writePtr.Store(0)
	p.readPtr.Store(0)
	p.xrun.Store(false)
}

// ResetSize reallocates the pipe to a new capacity (rounded up to a power
// of two) and empties it. Not RT-safe and must not be called concurrently
// with Read/Write/ReadNoFail/WriteNoFail on either thread.
func (p *Pipe) ResetSize(sz int) {
	p.alloc(sz)
}

// Size returns the current capacity in bytes.
func (p *Pipe) Size() int { return int(p.size) }

// ReadSpace returns the number of bytes currently available to read.
func (p *Pipe) ReadSpace() int {
	w := p.writePtr.Load()
	r := p.readPtr.Load()
	return int((w - r) & p.sizeMask)
}

// WriteSpace returns the number of bytes currently free to write. One
// slot is always reserved so that write_space()+read_space() == size-1,
// which disambiguates a full pipe from an empty one.
func (p *Pipe) WriteSpace() int {
	return int(p.size) - 1 - p.ReadSpace()
}

// SetReadSpace repositions the pointers so that exactly k bytes are
// readable, without touching the payload bytes. Used by adapters to
// re-center a pipe after a boundary violation.
func (p *Pipe) SetReadSpace(k int) {
	w := p.writePtr.Load()
	p.readPtr.Store(w - uint64(k))
}

// SetWriteSpace repositions the pointers so that exactly k bytes are free
// to write.
func (p *Pipe) SetWriteSpace(k int) {
	r := p.readPtr.Load()
	free := uint64(k)
	// write_space = size-1-read_space => read_space = size-1-free
	readable := p.size - 1 - free
	p.writePtr.Store(r + readable)
}

// Read copies up to len(dst) bytes out of the pipe and returns the count
// actually moved.
func (p *Pipe) Read(dst []byte) int {
	avail := p.ReadSpace()
	n := len(dst)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	r := p.readPtr.Load()
	for i := 0; i < n; i++ {
		dst[i] = p.buf[(r+uint64(i))&p.sizeMask]
	}
	p.readPtr.Store(r + uint64(n))
	return n
}

// Write copies up to len(src) bytes into the pipe and returns the count
// actually moved.
func (p *Pipe) Write(src []byte) int {
	avail := p.WriteSpace()
	n := len(src)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	w := p.writePtr.Load()
	for i := 0; i < n; i++ {
		p.buf[(w+uint64(i))&p.sizeMask] = src[i]
	}
	p.writePtr.Store(w + uint64(n))
	return n
}

// ReadNoFail copies exactly len(dst) bytes, wrapping around as needed. If
// the pipe does not hold enough data the xrun flag is set and the missing
// tail is left as whatever garbage was already in the buffer; the caller
// is responsible for recovering (re-centering, muting, etc).
func (p *Pipe) ReadNoFail(dst []byte) {
	avail := p.ReadSpace()
	if len(dst) > avail {
		p.xrun.Store(true)
	}
	r := p.readPtr.Load()
	for i := range dst {
		dst[i] = p.buf[(r+uint64(i))&p.sizeMask]
	}
	p.readPtr.Store(r + uint64(len(dst)))
}

// WriteNoFail copies exactly len(src) bytes, wrapping around as needed. If
// the pipe lacks room, the xrun flag is set and the overflow silently
// overwrites not-yet-read bytes.
func (p *Pipe) WriteNoFail(src []byte) {
	free := p.WriteSpace()
	if len(src) > free {
		p.xrun.Store(true)
	}
	w := p.writePtr.Load()
	for i, b := range src {
		p.buf[(w+uint64(i))&p.sizeMask] = b
	}
	p.writePtr.Store(w + uint64(len(src)))
}

// HasXRun reports whether an underrun/overrun has occurred since the last
// ClearXRun or Reset.
func (p *Pipe) HasXRun() bool { return p.xrun.Load() }

// ClearXRun clears the xrun flag.
func (p *Pipe) ClearXRun() { p.xrun.Store(false) }
