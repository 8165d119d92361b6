package realtime

import "sync"

// Scrollback is a fixed-capacity circular buffer of output chunks. It lets
// clients that connect late catch up on recent output.
type Scrollback struct {
	mu       sync.RWMutex
	buf      [][]byte
	capacity int
	pos      int // next write position
	full     bool
}

// NewScrollback creates a buffer holding at most capacity chunks.
func NewScrollback(capacity int) *Scrollback {
	if capacity < 1 {
		capacity = 1
	}
	return &Scrollback{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

// Write stores a chunk, evicting the oldest one when full. The caller must not
// modify chunk afterwards.
func (sb *Scrollback) Write(chunk []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.buf[sb.pos] = chunk
	sb.pos = (sb.pos + 1) % sb.capacity
	if sb.pos == 0 {
		sb.full = true
	}
}

// Chunks returns the stored chunks oldest first.
func (sb *Scrollback) Chunks() [][]byte {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if !sb.full {
		result := make([][]byte, sb.pos)
		copy(result, sb.buf[:sb.pos])
		return result
	}

	result := make([][]byte, sb.capacity)
	copy(result, sb.buf[sb.pos:])
	copy(result[sb.capacity-sb.pos:], sb.buf[:sb.pos])
	return result
}

// Bytes returns the stored output as one contiguous slice.
func (sb *Scrollback) Bytes() []byte {
	chunks := sb.Chunks()
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
