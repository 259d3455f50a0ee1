package view

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// ErrOutOfRange is returned when a read extends past the end of the
// view.
var ErrOutOfRange = errors.New("out of range")

// View is a random-access, read-only window over a firmware image. It is
// backed either by a memory mapping of a file or by a plain byte slice
// (staged section bodies, tests). All multi-byte integers in the formats
// this package serves are little-endian.
type View struct {
	data []byte
	mm   mmap.MMap
	file *os.File
}

// Open memory-maps the file at path read-only.
func Open(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to mmap %s: %w", path, err)
	}
	return &View{data: mm, mm: mm, file: f}, nil
}

// NewView wraps an in-memory buffer. Close on such a view only drops
// the buffer; there is no mapping or file to release.
func NewView(b []byte) *View {
	return &View{data: b}
}

// Size returns the total number of bytes in the view.
func (v *View) Size() int64 {
	return int64(len(v.data))
}

// Read returns length bytes starting at offset. The returned slice
// aliases the underlying buffer; callers that mutate must copy first.
func (v *View) Read(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > v.Size() {
		return nil, fmt.Errorf("%w: read of %d bytes at offset %d in %d byte view", ErrOutOfRange, length, offset, v.Size())
	}
	return v.data[offset : offset+length], nil
}

// Uint32 reads a little-endian uint32 at offset.
func (v *View) Uint32(offset int64) (uint32, error) {
	b, err := v.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Close unmaps the file mapping, if any.
func (v *View) Close() error {
	v.data = nil
	if v.mm != nil {
		if err := v.mm.Unmap(); err != nil {
			v.file.Close()
			return fmt.Errorf("unable to unmap view: %w", err)
		}
		v.mm = nil
	}
	if v.file != nil {
		err := v.file.Close()
		v.file = nil
		if err != nil {
			return fmt.Errorf("unable to close view file: %w", err)
		}
	}
	return nil
}
