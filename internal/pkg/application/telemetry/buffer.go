package telemetry

import "github.com/diwise/integration-compression/domain"

const BufferCapacity int = 200

// Buffer keeps the most recent readings in arrival order. It is not safe for
// concurrent use; the owner guards it together with the rest of its state.
type Buffer struct {
	readings []domain.Reading
	start    int
	size     int
}

func NewBuffer() *Buffer {
	return &Buffer{
		readings: make([]domain.Reading, BufferCapacity),
	}
}

// Push appends r, evicting the oldest reading once the buffer is full.
func (b *Buffer) Push(r domain.Reading) {
	if b.size < BufferCapacity {
		b.readings[(b.start+b.size)%BufferCapacity] = r
		b.size++
		return
	}

	b.readings[b.start] = r
	b.start = (b.start + 1) % BufferCapacity
}

func (b *Buffer) len() int {
	return b.size
}

// Snapshot returns a copy of the buffered readings, oldest first.
func (b *Buffer) Snapshot() []domain.Reading {
	out := make([]domain.Reading, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.readings[(b.start+i)%BufferCapacity])
	}
	return out
}

func (b *Buffer) Clear() {
	b.start = 0
	b.size = 0
	for i := range b.readings {
		b.readings[i] = domain.Reading{}
	}
}
