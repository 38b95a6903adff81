package ioprim

import "fmt"

// Writer is a random-access, growable sink mirroring Reader. Seek+Write
// sequences are never reordered, and the caller is responsible for gaps
// it does not intend to fill; FillTo exists precisely so a plugin can
// make an intentional gap explicit rather than leaving one by omission.
type Writer struct {
	data   []byte
	pos    int64
	Endian Endian
}

// NewWriter creates an empty random-access sink.
func NewWriter(endian Endian) *Writer {
	return &Writer{Endian: endian}
}

func (w *Writer) growTo(n int64) {
	if int64(len(w.data)) < n {
		grown := make([]byte, n)
		copy(grown, w.data)
		w.data = grown
	}
}

// Tell reports the current write position.
func (w *Writer) Tell() int64 { return w.pos }

// Seek moves the write cursor to an absolute offset, growing the buffer
// lazily on the next write rather than immediately.
func (w *Writer) Seek(offset int64) error {
	if offset < 0 {
		return fmt.Errorf("ioprim: negative seek offset %d", offset)
	}
	w.pos = offset
	return nil
}

func (w *Writer) Skip(n int64) error {
	if n < 0 {
		return fmt.Errorf("ioprim: negative skip %d", n)
	}
	w.growTo(w.pos + n)
	w.pos += n
	return nil
}

// WriteData writes src at the current position and advances the cursor.
func (w *Writer) WriteData(src []byte) (int, error) {
	w.growTo(w.pos + int64(len(src)))
	copy(w.data[w.pos:], src)
	w.pos += int64(len(src))
	return len(src), nil
}

// WriteWord writes a 'size'-byte integer in the writer's current endian, or
// an explicit override.
func (w *Writer) WriteWord(size int, value uint64, endian ...Endian) error {
	e := w.Endian
	if len(endian) > 0 && endian[0] != Undefined {
		e = endian[0]
	}
	_, err := w.WriteData(Encode(e, size, value))
	return err
}

// AlignTo advances the write cursor to the next multiple of pow2 (must be a
// power of two), writing zero padding.
func (w *Writer) AlignTo(pow2 int64) error {
	if pow2 <= 0 || pow2&(pow2-1) != 0 {
		return fmt.Errorf("ioprim: alignment %d is not a power of two", pow2)
	}
	aligned := (w.pos + pow2 - 1) &^ (pow2 - 1)
	return w.Skip(aligned - w.pos)
}

// FillTo zero-pads up to an absolute offset, making an intentional gap
// explicit instead of leaving it unwritten.
func (w *Writer) FillTo(absolute int64) error {
	if absolute < w.pos {
		return fmt.Errorf("ioprim: FillTo(%d) is before current position %d", absolute, w.pos)
	}
	return w.Skip(absolute - w.pos)
}

// PatchAt overwrites bytes at an absolute offset without moving the write
// cursor, growing the output if needed; the PE, NE and LE writers use it
// to patch e_lfanew after the stub is written.
func (w *Writer) PatchAt(offset int64, src []byte) error {
	end := offset + int64(len(src))
	w.growTo(end)
	copy(w.data[offset:end], src)
	return nil
}

// Bytes returns the accumulated output.
func (w *Writer) Bytes() []byte { return w.data }

// Len reports how many bytes have been written (including any gap filled by
// growTo but never explicitly written to).
func (w *Writer) Len() int64 { return int64(len(w.data)) }
