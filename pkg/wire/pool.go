package wire

import "sync"

var (
	// Single pool of scratch buffers for frame assembly with a reasonable
	// starting capacity
	bufferPool = &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 256)
			return &buf
		},
	}
)

// GetBuffer returns a zero-length buffer with at least the requested
// capacity from the pool
func GetBuffer(size int) []byte {
	buf := *bufferPool.Get().(*[]byte)
	if cap(buf) < size {
		buf = make([]byte, 0, size)
	}
	return buf[:0]
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf []byte) {
	// Only return to pool if capacity is reasonable (< 256KB)
	// This prevents memory bloat from very large messages
	if cap(buf) < 262144 {
		buf = buf[:0]
		bufferPool.Put(&buf)
	}
}
