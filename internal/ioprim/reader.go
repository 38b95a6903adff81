package ioprim

import (
	"fmt"
	"io"
)

// Reader wraps a random-access source with endian-aware numeric
// accessors. It is backed by a byte slice rather than an
// os.File so that Image views (windows, page sets, fills) can be read
// through the same type without a real file underneath.
type Reader struct {
	data   []byte
	pos    int64
	Endian Endian
}

// NewReader wraps an in-memory byte slice for random-access reading.
func NewReader(data []byte, endian Endian) *Reader {
	return &Reader{data: data, Endian: endian}
}

func (r *Reader) Len() int64 { return int64(len(r.data)) }

// Tell reports the current read position.
func (r *Reader) Tell() int64 { return r.pos }

// Seek moves to an absolute offset.
func (r *Reader) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("ioprim: negative seek offset %d", offset)
	}
	r.pos = offset
	return nil
}

// Skip advances the read position by n bytes (may be negative).
func (r *Reader) Skip(n int64) error {
	return r.Seek(r.pos + n)
}

// SeekEnd moves to offset bytes before the end of the image.
func (r *Reader) SeekEnd(offset int64) error {
	return r.Seek(r.Len() - offset)
}

// GetImageEnd returns the total size of the underlying image.
func (r *Reader) GetImageEnd() int64 { return r.Len() }

// ReadData reads exactly n bytes. Reading past the end is an input-parse
// error: short reads are zero-padded but reported through the
// returned error so the caller can decide whether to treat the file as
// truncated.
func (r *Reader) ReadData(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ioprim: negative read length %d", n)
	}
	out := make([]byte, n)
	avail := r.Len() - r.pos
	if avail <= 0 {
		r.pos += int64(n)
		if n > 0 {
			return out, io.ErrUnexpectedEOF
		}
		return out, nil
	}
	copyLen := int64(n)
	var err error
	if copyLen > avail {
		copyLen = avail
		err = io.ErrUnexpectedEOF
	}
	copy(out, r.data[r.pos:r.pos+copyLen])
	r.pos += int64(n)
	return out, err
}

// ReadUnsigned reads a 'size'-byte unsigned integer in the reader's current
// endian, or an explicit override if endian != Undefined.
func (r *Reader) ReadUnsigned(size int, endian ...Endian) (uint64, error) {
	e := r.Endian
	if len(endian) > 0 && endian[0] != Undefined {
		e = endian[0]
	}
	buf, err := r.ReadData(size)
	if err != nil {
		return 0, err
	}
	return Decode(e, buf), nil
}

// ReadSigned reads a 'size'-byte sign-extended integer.
func (r *Reader) ReadSigned(size int, endian ...Endian) (int64, error) {
	v, err := r.ReadUnsigned(size, endian...)
	if err != nil {
		return 0, err
	}
	return SignExtend(size, v), nil
}

// ReadASCIIZ reads bytes up to and including a NUL terminator and returns
// the string without the terminator.
func (r *Reader) ReadASCIIZ() (string, error) {
	start := r.pos
	for r.pos < r.Len() && r.data[r.pos] != 0 {
		r.pos++
	}
	s := string(r.data[start:r.pos])
	if r.pos < r.Len() {
		r.pos++ // consume the NUL
		return s, nil
	}
	return s, io.ErrUnexpectedEOF
}

// Bytes exposes the underlying buffer, e.g. for a plugin that wants to hand
// a sub-range to another Reader (PageSet stitching, Section Buffer slices).
func (r *Reader) Bytes() []byte { return r.data }
