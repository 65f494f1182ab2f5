package blob

import (
	"context"
	"io"
)

// ChunkSize is the fixed size of every ChunkBuffer chunk but the last
const ChunkSize = 64 * 1024

// ChunkBuffer holds a large payload as a list of fixed-size chunks addressed
// by index, so appending never copies what was already buffered.
type ChunkBuffer struct {
	chunks [][]byte
	size   int64
}

// NewChunkBuffer returns an empty buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Write appends p
func (c *ChunkBuffer) Write(p []byte) (int, error) {
	written := len(p)
	for len(p) > 0 {
		last := len(c.chunks) - 1
		if last < 0 || len(c.chunks[last]) == ChunkSize {
			c.chunks = append(c.chunks, make([]byte, 0, ChunkSize))
			last++
		}
		room := ChunkSize - len(c.chunks[last])
		if room > len(p) {
			room = len(p)
		}
		c.chunks[last] = append(c.chunks[last], p[:room]...)
		p = p[room:]
	}
	c.size += int64(written)
	return written, nil
}

// ReadFrom appends everything r yields
func (c *ChunkBuffer) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Len returns the number of chunks
func (c *ChunkBuffer) Len() int { return len(c.chunks) }

// Chunk returns chunk i
func (c *ChunkBuffer) Chunk(i int) []byte { return c.chunks[i] }

// Size returns the total byte count
func (c *ChunkBuffer) Size() int64 { return c.size }

// ReadAt implements io.ReaderAt
func (c *ChunkBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidRange
	}
	n := 0
	for n < len(p) && off < c.size {
		idx := int(off / ChunkSize)
		within := int(off % ChunkSize)
		copied := copy(p[n:], c.chunks[idx][within:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// NewRangeReader reads a window without flattening the chunks
func (c *ChunkBuffer) NewRangeReader(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || length < 0 || off+length > c.size {
		return nil, ErrInvalidRange
	}
	return io.NopCloser(io.NewSectionReader(c, off, length)), nil
}

// Bytes flattens the buffer
func (c *ChunkBuffer) Bytes() []byte {
	out := make([]byte, 0, c.size)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	return out
}
