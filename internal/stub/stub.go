// Package stub provides the two MZ stub-image strategies the PE, NE and
// LE writers use to prepend a real-mode DOS stub ahead of
// their protected-mode payload: an embedded minimal stub, and a
// memory-mapped read of a user-supplied stub executable.
package stub

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/xyproto/retrolink/internal/image"
)

// defaultStub is the minimal MZ stub used when the user supplies no
// -stub option.
var defaultStub = []byte{
	'M', 'Z', 0x00, 0x00, // e_magic, e_cblp (filled at header-write time)
	0x00, 0x00, 0x00, 0x00,
	0x02, 0x00, 0x00, 0x00,
	0x00, 0x00, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x00,
	0x1c, 0x00, 0x00, 0x00,
}

// Writer supplies a stub image's bytes to a format writer.
type Writer interface {
	Bytes() ([]byte, error)
	Close() error
}

// MZSimpleStubWriter returns the embedded fallback stub unconditionally.
// This is the strategy used when no -stub option is bound.
type MZSimpleStubWriter struct{}

func NewMZSimpleStubWriter() *MZSimpleStubWriter { return &MZSimpleStubWriter{} }

func (s *MZSimpleStubWriter) Bytes() ([]byte, error) { return defaultStub, nil }
func (s *MZSimpleStubWriter) Close() error           { return nil }

// MZStubWriter reads a user-supplied stub executable via mmap rather
// than a full read, since stub images can be arbitrary real-mode DOS
// programs (e.g. a full DOS/4GW loader) too large to justify copying
// twice through an intermediate buffer.
type MZStubWriter struct {
	path string
	f    *os.File
	data []byte
}

// NewMZStubWriter opens and maps path read-only. The mapping is
// released by Close.
func NewMZStubWriter(path string) (*MZStubWriter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stub: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stub: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("stub: %s is empty", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stub: mmap %s: %w", path, err)
	}
	return &MZStubWriter{path: path, f: f, data: data}, nil
}

// Bytes returns the stub's raw contents, verified to start with an MZ
// signature before use: any replacement stub must itself be a valid MZ
// executable.
func (s *MZStubWriter) Bytes() ([]byte, error) {
	if len(s.data) < 2 || s.data[0] != 'M' || s.data[1] != 'Z' {
		return nil, fmt.Errorf("stub: %s is not an MZ executable", s.path)
	}
	return s.data, nil
}

func (s *MZStubWriter) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			s.f.Close()
			return fmt.Errorf("stub: munmap %s: %w", s.path, err)
		}
		s.data = nil
	}
	return s.f.Close()
}

// AsImage copies a Writer's bytes into an image.Buffer for embedding in
// a format's output pipeline; the mapping itself is not retained, only
// a copy of its current contents.
func AsImage(w Writer) (*image.Buffer, error) {
	b, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return image.NewBuffer(out), nil
}

// Load picks MZStubWriter when path is non-empty, else falls back to
// MZSimpleStubWriter, the two-strategy selection the PE, NE and LE
// writers' stub option drives.
func Load(path string) (Writer, error) {
	if path == "" {
		return NewMZSimpleStubWriter(), nil
	}
	return NewMZStubWriter(path)
}
