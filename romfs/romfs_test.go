package romfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/enekochan/insta360-go-firmware-tool/digest"
	"github.com/enekochan/insta360-go-firmware-tool/view"
)

func testArchive(t *testing.T, files []File) []byte {
	t.Helper()
	r := &RomFs{}
	for _, f := range files {
		r.AddFile(f.Name, f.Data)
	}
	encoded, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	return encoded
}

func fill(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	files := []File{
		{Name: "a", Data: fill(500, 1)},
		{Name: "b.bin", Data: fill(2048, 2)},
		{Name: "c.cfg", Data: fill(2049, 3)},
	}
	encoded := testArchive(t, files)

	decoded, err := Decode(view.NewView(encoded))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if diff := deep.Equal(decoded.Files(), files); diff != nil {
		t.Fatalf("decoded files differ: %v", diff)
	}

	reencoded, err := decoded.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !bytes.Equal(reencoded, encoded) {
		t.Fatal("re-encoded archive is not byte-identical")
	}
}

func TestEncodeOffsetsAndPadding(t *testing.T) {
	// padding is 2048 - length%2048, so a block-aligned file still gets
	// a full trailing block
	encoded := testArchive(t, []File{
		{Name: "a", Data: fill(500, 0)},
		{Name: "b", Data: fill(2048, 0)},
		{Name: "c", Data: fill(3000, 0)},
	})

	wantOffsets := []uint32{
		HeaderSize,
		HeaderSize + 500 + 1548,
		HeaderSize + 500 + 1548 + 2048 + 2048,
	}
	for i, want := range wantOffsets {
		entry := encoded[8+i*fileEntrySize:]
		offset := binary.LittleEndian.Uint32(entry[fileNameSize+4:])
		if offset != want {
			t.Fatalf("file %d offset %d, expected %d", i, offset, want)
		}
		if offset%BlockSize != 0 {
			t.Fatalf("file %d offset %d not block aligned", i, offset)
		}
	}
	want := int(wantOffsets[2]) + 3000 + 1096
	if len(encoded) != want {
		t.Fatalf("archive is %d bytes, expected %d", len(encoded), want)
	}
}

func TestPaddingBoundaries(t *testing.T) {
	for _, c := range []struct{ length, padding int }{
		{2047, 1},
		{2048, 2048},
		{2049, 2047},
	} {
		if p := padding(c.length); p != c.padding {
			t.Fatalf("padding for %d byte file: %d, expected %d", c.length, p, c.padding)
		}
	}
}

func TestFileCountLimit(t *testing.T) {
	r := &RomFs{}
	for i := 0; i < MaxFileCount; i++ {
		r.AddFile(fmt.Sprintf("file_%03d", i), []byte{byte(i)})
	}
	if _, err := r.Encode(); err != nil {
		t.Fatalf("Encode error at %d files: %v", MaxFileCount, err)
	}
	r.AddFile("one_too_many", []byte{0x00})
	if _, err := r.Encode(); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("expected too many files, got %v", err)
	}
}

func TestNameLengthLimit(t *testing.T) {
	r := &RomFs{}
	r.AddFile(string(bytes.Repeat([]byte{'x'}, 64)), []byte{0x01})
	if _, err := r.Encode(); err != nil {
		t.Fatalf("Encode error for 64 byte name: %v", err)
	}
	r.RemoveFiles()
	r.AddFile(string(bytes.Repeat([]byte{'x'}, 65)), []byte{0x01})
	if _, err := r.Encode(); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected name too long, got %v", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded := testArchive(t, []File{{Name: "a", Data: []byte{0x01}}})
	encoded[0] ^= 0xFF
	if _, err := Decode(view.NewView(encoded)); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsFileCount(t *testing.T) {
	encoded := testArchive(t, []File{{Name: "a", Data: []byte{0x01}}})
	binary.LittleEndian.PutUint32(encoded[4:], MaxFileCount+1)
	if _, err := Decode(view.NewView(encoded)); err == nil {
		t.Fatal("expected error for file count over limit")
	}
}

func TestDecodeSkipsCorruptEntry(t *testing.T) {
	encoded := testArchive(t, []File{
		{Name: "good", Data: fill(100, 1)},
		{Name: "bad", Data: fill(100, 2)},
	})
	// corrupt the second file's data without touching its stored crc32
	entry := encoded[8+fileEntrySize:]
	offset := binary.LittleEndian.Uint32(entry[fileNameSize+4:])
	encoded[offset] ^= 0xFF

	decoded, err := Decode(view.NewView(encoded))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(decoded.Files()) != 1 || decoded.Files()[0].Name != "good" {
		t.Fatalf("expected only the intact file, got %v", decoded.Files())
	}
}

func TestDecodeKeepsDuplicates(t *testing.T) {
	files := []File{
		{Name: "dup", Data: []byte{0x01}},
		{Name: "dup", Data: []byte{0x02}},
	}
	decoded, err := Decode(view.NewView(testArchive(t, files)))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if diff := deep.Equal(decoded.Files(), files); diff != nil {
		t.Fatalf("duplicates not preserved: %v", diff)
	}
}

func TestRemoveFile(t *testing.T) {
	r := &RomFs{}
	r.AddFile("a", []byte{0x01})
	r.AddFile("b", []byte{0x02})
	r.AddFile("a", []byte{0x03})

	r.RemoveFile("a")
	want := []File{{Name: "b", Data: []byte{0x02}}, {Name: "a", Data: []byte{0x03}}}
	if diff := deep.Equal(r.Files(), want); diff != nil {
		t.Fatalf("unexpected files after remove: %v", diff)
	}

	r.RemoveFile("missing")
	if diff := deep.Equal(r.Files(), want); diff != nil {
		t.Fatalf("remove of missing name changed files: %v", diff)
	}
}

func TestEntryCrc32Matches(t *testing.T) {
	data := fill(300, 7)
	encoded := testArchive(t, []File{{Name: "f", Data: data}})
	entry := encoded[8:]
	crc := binary.LittleEndian.Uint32(entry[fileNameSize+8:])
	if crc != digest.Crc32Bytes(data, 0) {
		t.Fatalf("stored crc32 0x%08x does not match data", crc)
	}
}

func TestExtractBuildRoundTrip(t *testing.T) {
	dir := t.TempDir()
	encoded := testArchive(t, []File{
		{Name: "first.bin", Data: fill(1000, 1)},
		{Name: "second.txt", Data: fill(4096, 2)},
	})
	binPath := filepath.Join(dir, "section_2.bin")
	if err := os.WriteFile(binPath, encoded, 0o644); err != nil {
		t.Fatalf("os.WriteFile error: %v", err)
	}

	if err := Extract(binPath, filepath.Join(dir, "section_2")); err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	list, err := os.ReadFile(filepath.Join(dir, "section_2.files"))
	if err != nil {
		t.Fatalf("os.ReadFile error: %v", err)
	}
	if string(list) != "first.bin\nsecond.txt\n" {
		t.Fatalf("unexpected file list: %q", list)
	}

	if err := BuildFromList(filepath.Join(dir, "section_2.files")); err != nil {
		t.Fatalf("BuildFromList error: %v", err)
	}
	rebuilt, err := os.ReadFile(binPath)
	if err != nil {
		t.Fatalf("os.ReadFile error: %v", err)
	}
	if !bytes.Equal(rebuilt, encoded) {
		t.Fatal("rebuilt archive is not byte-identical")
	}
}
