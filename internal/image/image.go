// Package image implements the Image abstraction: opaque,
// byte-addressable content with a minimum capability of reporting size,
// streaming a byte range, and (for ActualImage) random-access read/write.
package image

import (
	"fmt"
	"io"

	"github.com/xyproto/retrolink/internal/ioprim"
)

// Image is the minimum capability every content variant supports.
type Image interface {
	// Size reports the content length in bytes.
	Size() int64
	// WriteFile streams count bytes starting at offset to w. This is the
	// one primitive every Image variant must implement directly; random
	// access is derived from it via AsImage for variants that are cheap
	// to materialize.
	WriteFile(w io.Writer, count int64, offset int64) (int64, error)
}

// ActualImage is an Image that additionally supports random byte
// read/write, endian-aware word access and ASCIIZ strings, via an
// ioprim.Reader/Writer pair over fully materialized bytes.
type ActualImage interface {
	Image
	AsImage() *Buffer
}

// Buffer is in-memory, owned content: the base case every other Image
// variant can be converted to or stitched from.
type Buffer struct {
	data []byte
}

// NewBuffer wraps an owned byte slice.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// NewZeroBuffer allocates n zero bytes.
func NewZeroBuffer(n int64) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

func (b *Buffer) Size() int64 { return int64(len(b.data)) }

func (b *Buffer) Bytes() []byte { return b.data }

// Expand appends n zero bytes, used when a Section's buffer must grow
// without exceeding its declared size.
func (b *Buffer) Expand(n int64) {
	if n <= 0 {
		return
	}
	b.data = append(b.data, make([]byte, n)...)
}

func (b *Buffer) WriteFile(w io.Writer, count int64, offset int64) (int64, error) {
	if offset < 0 || offset > int64(len(b.data)) {
		return 0, fmt.Errorf("image: offset %d out of range for buffer of size %d", offset, len(b.data))
	}
	end := offset + count
	if end > int64(len(b.data)) {
		end = int64(len(b.data))
	}
	n, err := w.Write(b.data[offset:end])
	return int64(n), err
}

func (b *Buffer) AsImage() *Buffer { return b }

// Reader returns a random-access reader over the buffer's bytes.
func (b *Buffer) Reader(endian ioprim.Endian) *ioprim.Reader {
	return ioprim.NewReader(b.data, endian)
}

// ReadUnsigned/WriteWord convenience wrappers used heavily by format
// plugins patching relocation targets in place.
func (b *Buffer) ReadUnsigned(offset int64, size int, endian ioprim.Endian) (uint64, error) {
	if offset < 0 || offset+int64(size) > int64(len(b.data)) {
		return 0, fmt.Errorf("image: read [%d,%d) out of range for buffer of size %d", offset, offset+int64(size), len(b.data))
	}
	return ioprim.Decode(endian, b.data[offset:offset+int64(size)]), nil
}

func (b *Buffer) WriteWord(offset int64, size int, value uint64, endian ioprim.Endian) error {
	if offset+int64(size) > int64(len(b.data)) {
		b.Expand(offset + int64(size) - int64(len(b.data)))
	}
	copy(b.data[offset:offset+int64(size)], ioprim.Encode(endian, size, value))
	return nil
}
