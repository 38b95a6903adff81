package image

import (
	"bytes"
	"fmt"
	"io"
)

// PageSet stitches an ordered list of sub-images into one logical stream,
// for formats that page-split data (LE/LX's per-page fixup layout).
type PageSet struct {
	pages []Image
}

func NewPageSet(pages ...Image) *PageSet {
	return &PageSet{pages: pages}
}

func (p *PageSet) Append(img Image) { p.pages = append(p.pages, img) }

func (p *PageSet) Size() int64 {
	var total int64
	for _, pg := range p.pages {
		total += pg.Size()
	}
	return total
}

func (p *PageSet) WriteFile(w io.Writer, count int64, offset int64) (int64, error) {
	var written int64
	var base int64
	for _, pg := range p.pages {
		size := pg.Size()
		if offset >= base+size {
			base += size
			continue
		}
		if count <= 0 {
			break
		}
		localOffset := offset - base
		if localOffset < 0 {
			localOffset = 0
		}
		localCount := size - localOffset
		if localCount > count {
			localCount = count
		}
		n, err := pg.WriteFile(w, localCount, localOffset)
		written += n
		count -= n
		offset += n
		base += size
		if err != nil {
			return written, err
		}
		if count <= 0 {
			break
		}
	}
	return written, nil
}

func (p *PageSet) AsImage() *Buffer {
	var buf bytes.Buffer
	p.WriteFile(&buf, p.Size(), 0)
	return NewBuffer(buf.Bytes())
}

// Fill is an iterated run-length pattern expanded lazily on read: 'count'
// repetitions of 'pattern', used by zero-fill tails and bss-like content
// that never needs to materialize in memory until a writer asks for bytes.
type Fill struct {
	pattern []byte
	count   int64
}

// NewFill describes count repetitions of pattern.
func NewFill(pattern []byte, count int64) *Fill {
	return &Fill{pattern: pattern, count: count}
}

// NewZeroFill is shorthand for a single zero-byte pattern.
func NewZeroFill(n int64) *Fill {
	return &Fill{pattern: []byte{0}, count: n}
}

func (f *Fill) Size() int64 {
	if len(f.pattern) == 0 {
		return 0
	}
	return int64(len(f.pattern)) * f.count
}

func (f *Fill) WriteFile(w io.Writer, count int64, offset int64) (int64, error) {
	total := f.Size()
	if offset < 0 || offset > total {
		return 0, fmt.Errorf("image: fill offset %d out of range for size %d", offset, total)
	}
	if offset+count > total {
		count = total - offset
	}
	patLen := int64(len(f.pattern))
	var written int64
	for written < count {
		patOffset := (offset + written) % patLen
		chunk := patLen - patOffset
		if chunk > count-written {
			chunk = count - written
		}
		n, err := w.Write(f.pattern[patOffset : patOffset+chunk])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (f *Fill) AsImage() *Buffer {
	var buf bytes.Buffer
	f.WriteFile(&buf, f.Size(), 0)
	return NewBuffer(buf.Bytes())
}

// Window is an offset+length slice of another Image, letting a format
// plugin carve a sub-range (e.g. one page of a PageSet, or the body of one
// resource in a resource fork) without copying.
type Window struct {
	base   Image
	offset int64
	length int64
}

func NewWindow(base Image, offset, length int64) *Window {
	return &Window{base: base, offset: offset, length: length}
}

func (win *Window) Size() int64 { return win.length }

func (win *Window) WriteFile(w io.Writer, count int64, offset int64) (int64, error) {
	if offset < 0 || offset > win.length {
		return 0, fmt.Errorf("image: window offset %d out of range for length %d", offset, win.length)
	}
	if offset+count > win.length {
		count = win.length - offset
	}
	return win.base.WriteFile(w, count, win.offset+offset)
}

func (win *Window) AsImage() *Buffer {
	var buf bytes.Buffer
	win.WriteFile(&buf, win.length, 0)
	return NewBuffer(buf.Bytes())
}
