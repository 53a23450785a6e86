package audio

import "time"

const bytesPerSample = 2 // PCM16 mono

// Chunk is one raw audio payload as it arrived from the producer. It is
// owned by the queue until scheduled or dropped.
type Chunk struct {
	StreamID  string
	Seq       int
	Data      []byte
	ArrivedAt time.Time
}

// ChunkQueue is a bounded FIFO of pending chunks. Duration is accounted from
// byte count and the fixed PCM rate, so it stays correct under variable
// chunk sizes. Not goroutine-safe: the engine's mutex is the single
// mutation authority.
type ChunkQueue struct {
	chunks         []Chunk
	bytes          int
	bytesPerSecond int
}

func NewChunkQueue(sampleRate int) *ChunkQueue {
	return &ChunkQueue{
		bytesPerSecond: sampleRate * bytesPerSample,
	}
}

func (q *ChunkQueue) Push(c Chunk) {
	q.chunks = append(q.chunks, c)
	q.bytes += len(c.Data)
}

func (q *ChunkQueue) Pop() (Chunk, bool) {
	if len(q.chunks) == 0 {
		return Chunk{}, false
	}
	c := q.chunks[0]
	q.chunks[0] = Chunk{}
	q.chunks = q.chunks[1:]
	q.bytes -= len(c.Data)
	return c, true
}

func (q *ChunkQueue) Len() int {
	return len(q.chunks)
}

func (q *ChunkQueue) Bytes() int {
	return q.bytes
}

func (q *ChunkQueue) Duration() time.Duration {
	return bytesToDuration(q.bytes, q.bytesPerSecond)
}

// Clear empties the queue and returns how many chunks were dropped.
func (q *ChunkQueue) Clear() int {
	n := len(q.chunks)
	q.chunks = nil
	q.bytes = 0
	return n
}

// TrimNewest drops chunks from the tail until the queued duration is at or
// below target, but never below minChunks. The in-flight beginning of a
// long response is preserved; trimming from the front would corrupt it.
// Returns the drop count.
func (q *ChunkQueue) TrimNewest(target time.Duration, minChunks int) int {
	dropped := 0
	for len(q.chunks) > minChunks && q.Duration() > target {
		last := len(q.chunks) - 1
		q.bytes -= len(q.chunks[last].Data)
		q.chunks[last] = Chunk{}
		q.chunks = q.chunks[:last]
		dropped++
	}
	return dropped
}

func bytesToDuration(n, bytesPerSecond int) time.Duration {
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}
