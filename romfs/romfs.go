package romfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/digest"
	"github.com/enekochan/insta360-go-firmware-tool/view"
)

// Magic identifies a ROMFS archive, and doubles as the content tag of a
// ROMFS firmware section.
var Magic = []byte{0x8A, 0x32, 0xFC, 0x66}

const (
	// HeaderSize is the fixed size of the archive header: magic, file
	// count, entry table, NUL padding.
	HeaderSize = 40960
	// BlockSize is the alignment of file data. Every file is followed by
	// 1..BlockSize NUL bytes so the next file starts on a fresh block.
	BlockSize = 2048

	fileNameSize  = 64
	fileEntrySize = fileNameSize + 4 + 4 + 4
	// MaxFileCount is how many 76-byte entries fit in the header.
	MaxFileCount = HeaderSize / fileEntrySize // 538
)

var (
	// ErrTooManyFiles is returned when an archive would hold more
	// entries than fit in the header.
	ErrTooManyFiles = errors.New("too many files")
	// ErrNameTooLong is returned when a file name exceeds the fixed
	// 64-byte name field.
	ErrNameTooLong = errors.New("file name too long")
)

// File is a single named blob inside the archive. Names are
// case-sensitive and duplicates are kept as-is.
type File struct {
	Name string
	Data []byte
}

// RomFs is the flat name-to-blob archive embedded in one of the camera
// firmware sections. There is no directory hierarchy.
type RomFs struct {
	files []File
}

// Files returns the archive entries in order.
func (r *RomFs) Files() []File {
	return r.files
}

// AddFile appends a file to the archive.
func (r *RomFs) AddFile(name string, data []byte) {
	r.files = append(r.files, File{Name: name, Data: data})
}

// RemoveFile removes the first file with the given name, if present.
func (r *RomFs) RemoveFile(name string) {
	for i, f := range r.files {
		if f.Name == name {
			r.files = append(r.files[:i], r.files[i+1:]...)
			return
		}
	}
}

// RemoveFiles empties the archive.
func (r *RomFs) RemoveFiles() {
	r.files = nil
}

// padding returns how many NUL bytes follow a file of the given length.
// A file ending exactly on a block boundary still gets a full block.
func padding(length int) int {
	return BlockSize - length%BlockSize
}

// Decode parses a ROMFS archive. Entries whose data does not match the
// stored CRC32 are skipped with a warning; real firmware carries stub
// entries, so a mismatch is not fatal.
func Decode(v *view.View) (*RomFs, error) {
	magic, err := v.Read(0, int64(len(Magic)))
	if err != nil {
		return nil, fmt.Errorf("unable to read archive magic: %w", err)
	}
	if !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("invalid magic number % 02x at start of archive", magic)
	}
	fileCount, err := v.Uint32(int64(len(Magic)))
	if err != nil {
		return nil, fmt.Errorf("unable to read file count: %w", err)
	}
	if fileCount > MaxFileCount {
		return nil, fmt.Errorf("file count %d exceeds maximum of %d", fileCount, MaxFileCount)
	}
	log.Infof("ROMFS contains %d files", fileCount)

	r := &RomFs{}
	for i := uint32(0); i < fileCount; i++ {
		base := int64(8 + i*fileEntrySize)
		entry, err := v.Read(base, fileEntrySize)
		if err != nil {
			return nil, fmt.Errorf("unable to read entry %d: %w", i, err)
		}
		name := strings.TrimRight(string(entry[:fileNameSize]), "\x00")
		length := binary.LittleEndian.Uint32(entry[fileNameSize:])
		offset := binary.LittleEndian.Uint32(entry[fileNameSize+4:])
		crc := binary.LittleEndian.Uint32(entry[fileNameSize+8:])

		data, err := v.Read(int64(offset), int64(length))
		if err != nil {
			return nil, fmt.Errorf("unable to read data for %s: %w", name, err)
		}
		if digest.Crc32Bytes(data, 0) != crc {
			log.Warnf("invalid CRC32 for %s, skipping", name)
			continue
		}
		r.AddFile(name, data)
	}
	return r, nil
}

// Encode serializes the archive: header out to 40960 bytes, then each
// file's data NUL-padded to the next 2048-byte boundary, in list order.
func (r *RomFs) Encode() ([]byte, error) {
	if len(r.files) > MaxFileCount {
		return nil, fmt.Errorf("%w: %d, maximum is %d", ErrTooManyFiles, len(r.files), MaxFileCount)
	}
	for _, f := range r.files {
		if len(f.Name) > fileNameSize {
			return nil, fmt.Errorf("%w: %s, maximum is %d bytes", ErrNameTooLong, f.Name, fileNameSize)
		}
	}

	total := HeaderSize
	for _, f := range r.files {
		total += len(f.Data) + padding(len(f.Data))
	}
	out := make([]byte, total)

	copy(out, Magic)
	binary.LittleEndian.PutUint32(out[len(Magic):], uint32(len(r.files)))
	offset := HeaderSize
	for i, f := range r.files {
		entry := out[8+i*fileEntrySize:]
		copy(entry[:fileNameSize], f.Name)
		binary.LittleEndian.PutUint32(entry[fileNameSize:], uint32(len(f.Data)))
		binary.LittleEndian.PutUint32(entry[fileNameSize+4:], uint32(offset))
		binary.LittleEndian.PutUint32(entry[fileNameSize+8:], digest.Crc32Bytes(f.Data, 0))
		copy(out[offset:], f.Data)
		offset += len(f.Data) + padding(len(f.Data))
	}
	return out, nil
}
