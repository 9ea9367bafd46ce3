package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBuffer_AppendEnforcesChunkCap(t *testing.T) {
	b := NewOutputBuffer(3, 1<<20)
	for i := 0; i < 5; i++ {
		b.Append([]byte{byte('a' + i)})
	}
	count, _ := b.Size()
	assert.Equal(t, 3, count)
	assert.Equal(t, [][]byte{{'c'}, {'d'}, {'e'}}, b.Snapshot(10))
}

func TestOutputBuffer_AppendEnforcesByteCap(t *testing.T) {
	b := NewOutputBuffer(100, 10)
	b.Append([]byte("0123456789")) // exactly 10 bytes
	b.Append([]byte("abcde"))      // pushes total to 15; must evict head until <= 10

	count, bytes := b.Size()
	require.LessOrEqual(t, bytes, 10)
	assert.Equal(t, 1, count)
	assert.Equal(t, []byte("abcde"), b.Snapshot(10)[0])
}

func TestOutputBuffer_SnapshotCapsAtRequestAndAtMaxChunks(t *testing.T) {
	b := NewOutputBuffer(4, 1<<20)
	for i := 0; i < 4; i++ {
		b.Append([]byte{byte('a' + i)})
	}

	assert.Len(t, b.Snapshot(2), 2)
	assert.Len(t, b.Snapshot(100), 4) // capped at count
	assert.Len(t, b.Snapshot(1000), 4)
}

func TestOutputBuffer_EmptyAppendIsNoop(t *testing.T) {
	b := NewOutputBuffer(10, 1<<20)
	b.Append(nil)
	b.Append([]byte{})
	count, bytes := b.Size()
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, bytes)
}

func TestReplayBlock_ConcatenatesInOrder(t *testing.T) {
	chunks := [][]byte{[]byte("hel"), []byte("lo "), []byte("world")}
	assert.Equal(t, []byte("hello world"), ReplayBlock(chunks))
}

func TestReplayBlock_Empty(t *testing.T) {
	assert.Equal(t, []byte{}, ReplayBlock(nil))
}

// Append must copy its input so a caller mutating the slice afterward
// can't corrupt the buffer's stored chunk.
func TestOutputBuffer_AppendCopiesInput(t *testing.T) {
	b := NewOutputBuffer(10, 1<<20)
	original := []byte("hello")
	b.Append(original)
	original[0] = 'X'
	assert.Equal(t, "hello", string(b.Snapshot(1)[0]))
}
