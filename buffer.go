package netsim

//
// Cyclic buffer with validity bitmap
//

import "fmt"

// CyclicBuffer is a fixed-length byte store indexed modulo its length,
// paired with one validity bit per byte. Storing marks bytes valid and
// loading marks them invalid again, so buffer space is recycled as the
// transport layer delivers complete messages. The zero value is
// invalid; construct using [NewCyclicBuffer].
type CyclicBuffer struct {
	// data is the byte store.
	data []byte

	// valid records which bytes currently hold live data.
	valid []uint8
}

// NewCyclicBuffer creates a [CyclicBuffer] holding length bytes.
func NewCyclicBuffer(length int) *CyclicBuffer {
	return &CyclicBuffer{
		data:  make([]byte, length),
		valid: make([]uint8, length/8+1),
	}
}

// Len returns the length of the buffer.
func (cb *CyclicBuffer) Len() int {
	return len(cb.data)
}

// Store writes data at pos modulo the buffer length, wrapping across
// the end, and marks every written byte valid. Overwriting a byte that
// is still valid violates the caller's window invariant and panics.
func (cb *CyclicBuffer) Store(pos int, data []byte) {
	pos %= len(cb.data)
	for i, b := range data {
		at := (pos + i) % len(cb.data)
		if cb.Check(at) {
			panic(fmt.Sprintf("netsim: CyclicBuffer.Store: overwriting valid byte at %d", at))
		}
		cb.data[at] = b
		cb.valid[at/8] |= 1 << (at % 8)
	}
}

// Load reads size bytes at pos modulo the buffer length, wrapping
// across the end, and marks every read byte invalid.
func (cb *CyclicBuffer) Load(pos, size int) []byte {
	pos %= len(cb.data)
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		at := (pos + i) % len(cb.data)
		out[i] = cb.data[at]
		cb.valid[at/8] &^= 1 << (at % 8)
	}
	return out
}

// Check returns whether the byte at pos is valid.
func (cb *CyclicBuffer) Check(pos int) bool {
	pos %= len(cb.data)
	return cb.valid[pos/8]&(1<<(pos%8)) != 0
}

// NextInvalid returns the position of the first invalid byte at or
// after pos, reduced modulo the buffer length. When every byte is
// valid it returns pos+len, which is distinguishable from any real
// position because real positions are smaller than the length.
func (cb *CyclicBuffer) NextInvalid(pos int) int {
	pos %= len(cb.data)
	for i := pos; i < pos+len(cb.data); i++ {
		if !cb.Check(i) {
			return i % len(cb.data)
		}
	}
	return pos + len(cb.data)
}
