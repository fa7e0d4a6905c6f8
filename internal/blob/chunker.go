package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Chunker splits a stream into fixed-size chunks. Every chunk except the
// last is exactly size bytes; an empty stream yields no chunks. Only one
// chunk is buffered at a time, so a multi-gigabyte upload needs one block
// of memory.
type Chunker struct {
	reader io.Reader
	size   int64
	buf    bytes.Buffer
	done   bool
}

// NewChunker creates a chunker cutting r into chunks of size bytes.
func NewChunker(r io.Reader, size int64) *Chunker {
	return &Chunker{reader: r, size: size}
}

// Next returns the next chunk along with its SHA-256 hash. The returned
// slice is only valid until the following call. Returns (nil, "", io.EOF)
// when all data has been processed.
func (c *Chunker) Next() ([]byte, string, error) {
	if c.done {
		return nil, "", io.EOF
	}

	c.buf.Reset()
	n, err := c.buf.ReadFrom(io.LimitReader(c.reader, c.size))
	if err != nil {
		return nil, "", fmt.Errorf("read chunk: %w", err)
	}
	if n < c.size {
		c.done = true
	}
	if n == 0 {
		return nil, "", io.EOF
	}

	chunk := c.buf.Bytes()
	return chunk, ContentHash(chunk), nil
}

// ContentHash returns the hex-encoded SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
