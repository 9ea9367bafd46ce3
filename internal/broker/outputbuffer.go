package broker

import "sync"

// OutputBuffer is a bounded ring of raw output chunks with dual caps: it
// holds at most MaxChunks chunks AND at most MaxBytes bytes, both enforced
// on every append. Chunks are never rewritten, and storage is
// chunk-granular (rather than a flat byte slice) so ReplayBlock can
// return whole chunks.
type OutputBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	bytes  int

	maxChunks int
	maxBytes  int
}

// NewOutputBuffer constructs a buffer enforcing the given caps.
func NewOutputBuffer(maxChunks, maxBytes int) *OutputBuffer {
	return &OutputBuffer{maxChunks: maxChunks, maxBytes: maxBytes}
}

// Append pushes chunk to the tail, then evicts from the head until both
// caps hold. The byte counter is maintained incrementally.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	cp := append([]byte(nil), chunk...)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, cp)
	b.bytes += len(cp)

	for (len(b.chunks) > b.maxChunks || b.bytes > b.maxBytes) && len(b.chunks) > 0 {
		b.bytes -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

// Snapshot returns the last min(k, count) chunks as an immutable slice of
// slices; callers must not mutate the returned chunks.
func (b *OutputBuffer) Snapshot(k int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if k > b.maxChunks {
		k = b.maxChunks
	}
	n := len(b.chunks)
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	out := make([][]byte, k)
	copy(out, b.chunks[n-k:])
	return out
}

// Size reports the current chunk and byte counts.
func (b *OutputBuffer) Size() (count, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks), b.bytes
}

// ReplayBlock returns the concatenation, in order, of the given chunks;
// passed the result of Snapshot(k), that is the newest k chunks.
func ReplayBlock(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
