package stream

import "fmt"

// BufferState tags who currently owns a pool buffer.
type BufferState int

const (
	// BufferFree buffers are owned by the pool and may be acquired.
	BufferFree BufferState = iota
	// BufferInFlight buffers are bound to a pending transfer.
	BufferInFlight
	// BufferReady buffers hold data on the host side.
	BufferReady
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferInFlight:
		return "in_flight"
	case BufferReady:
		return "ready"
	}
	return fmt.Sprintf("buffer_state(%d)", int(s))
}

// Buffer is one transfer unit of sample memory. Buffers are allocated once
// and never resized.
type Buffer struct {
	index   int
	samples int
	data    []byte
	state   BufferState
	pool    *BufferPool
}

func (b *Buffer) Index() int         { return b.index }
func (b *Buffer) Samples() int       { return b.samples }
func (b *Buffer) Bytes() []byte      { return b.data }
func (b *Buffer) State() BufferState { return b.state }

// BufferPool is the fixed set of buffers backing a stream. It has no locking
// of its own; the owning Stream serializes access.
type BufferPool struct {
	bufs []*Buffer
	next int
}

func NewBufferPool(numBuffers, samplesPerBuffer, bytesPerSample int) (*BufferPool, error) {
	if numBuffers <= 0 || samplesPerBuffer <= 0 || bytesPerSample <= 0 {
		return nil, fmt.Errorf("buffer pool %dx%d samples: %w", numBuffers, samplesPerBuffer, ErrInval)
	}

	p := &BufferPool{bufs: make([]*Buffer, numBuffers)}
	size := samplesPerBuffer * bytesPerSample
	for i := range p.bufs {
		p.bufs[i] = &Buffer{
			index:   i,
			samples: samplesPerBuffer,
			data:    make([]byte, size),
			pool:    p,
		}
	}
	return p, nil
}

func (p *BufferPool) Len() int { return len(p.bufs) }

func (p *BufferPool) Get(i int) *Buffer {
	if i < 0 || i >= len(p.bufs) {
		return nil
	}
	return p.bufs[i]
}

func (p *BufferPool) Buffers() []*Buffer {
	out := make([]*Buffer, len(p.bufs))
	copy(out, p.bufs)
	return out
}

// Owns reports whether b was allocated by this pool.
func (p *BufferPool) Owns(b *Buffer) bool {
	return b != nil && b.pool == p && b.index < len(p.bufs) && p.bufs[b.index] == b
}

// Acquire hands out the next free buffer, marking it ready. It never blocks;
// ok is false when every buffer is in flight or held by the caller.
func (p *BufferPool) Acquire() (b *Buffer, ok bool) {
	for i := 0; i < len(p.bufs); i++ {
		idx := (p.next + i) % len(p.bufs)
		if p.bufs[idx].state == BufferFree {
			p.next = (idx + 1) % len(p.bufs)
			p.bufs[idx].state = BufferReady
			return p.bufs[idx], true
		}
	}
	return nil, false
}

// Release returns a host-side buffer to the pool.
func (p *BufferPool) Release(b *Buffer) error {
	if !p.Owns(b) {
		return fmt.Errorf("release of foreign buffer: %w", ErrInval)
	}
	if b.state == BufferInFlight {
		return fmt.Errorf("release of in-flight buffer %d: %w", b.index, ErrInval)
	}
	b.state = BufferFree
	return nil
}

// InFlight counts buffers bound to pending transfers.
func (p *BufferPool) InFlight() int {
	n := 0
	for _, b := range p.bufs {
		if b.state == BufferInFlight {
			n++
		}
	}
	return n
}

func (p *BufferPool) markInFlight(b *Buffer) { b.state = BufferInFlight }
func (p *BufferPool) markReady(b *Buffer)    { b.state = BufferReady }

func (p *BufferPool) reset() {
	for _, b := range p.bufs {
		b.state = BufferFree
	}
	p.next = 0
}
