package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/view"
)

// Variant identifies the camera model a container targets. It is
// determined solely by the 16 signature bytes at the end of the file.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantGo2
	VariantGo3
)

func (v Variant) String() string {
	switch v {
	case VariantGo2:
		return "GO 2"
	case VariantGo3:
		return "GO 3"
	}
	return "unknown"
}

// TableEntry is one of the 16 slots in the firmware header's section
// table. A slot with length and crc32 both zero is empty. The stored
// crc32 is the bitwise complement of the running chain after the slot's
// section; Length holds the recovered value for the DTB slot, whose
// on-disk length is written as zero.
type TableEntry struct {
	Length uint32
	Crc32  uint32
}

// HeaderSection is a non-empty table slot resolved to a byte range of
// the camera firmware. Start and End cover the section header plus body.
type HeaderSection struct {
	Start        int64
	End          int64
	Length       int64
	Crc32        uint32
	Crc32Inverse uint32
}

// Section is the parsed 256-byte header preceding a section body. All
// fields except Crc32 and Length are opaque and preserved verbatim.
type Section struct {
	Index          int
	Start          int64
	BodyStart      int64
	End            int64
	Crc32          uint32
	Version        uint32
	Date           uint32
	Length         uint32
	LoadingAddress uint32
	Flags          uint32
	Magic          uint32
}

// FirmwareSlot is one 84-byte footer record describing a firmware image
// contained in the package.
type FirmwareSlot struct {
	Length   uint32
	Filename string
	Version  string
	Md5      [md5Size]byte
}

// Footer holds the variant-dispatched trailing records. CameraBt and
// BoxBt are nil on GO 2.
type Footer struct {
	Camera   FirmwareSlot
	Box      FirmwareSlot
	CameraBt *FirmwareSlot
	BoxBt    *FirmwareSlot
}

// Firmware is a parsed update container. It owns no section bytes; all
// ranges point into the underlying view.
type Firmware struct {
	v          *view.View
	Variant    Variant
	FooterSize int64

	HeaderName  string
	HeaderCrc32 uint32
	headerZeros []byte

	Table          [headerTableSlots]TableEntry
	HeaderSections []HeaderSection
	Sections       []Section
	Footer         Footer
	InternalMd5    [md5Size]byte
}

// Open maps the container at path and parses it.
func Open(path string) (*Firmware, error) {
	v, err := view.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(v)
	if err != nil {
		v.Close()
		return nil, err
	}
	return f, nil
}

// Parse reads the container structure out of a view: variant signature,
// footer slots, the 560-byte header with its section table, every
// section header, and the internal camera MD5.
func Parse(v *view.View) (*Firmware, error) {
	f := &Firmware{v: v}
	var err error
	if f.Variant, f.FooterSize, err = probeVariant(v); err != nil {
		return nil, err
	}
	log.Infof("detected Insta360 %s firmware", f.Variant)
	if err := f.readFooter(); err != nil {
		return nil, err
	}
	if err := f.checkTotalSize(); err != nil {
		return nil, err
	}
	if err := f.readHeader(); err != nil {
		return nil, err
	}
	if err := f.readInternalMd5(); err != nil {
		return nil, err
	}
	return f, nil
}

// Close releases the underlying view.
func (f *Firmware) Close() error {
	return f.v.Close()
}

// probeVariant matches the last 16 bytes of the view against the known
// footer signatures. GO 3 is probed last and wins.
func probeVariant(v *view.View) (Variant, int64, error) {
	if v.Size() < signatureSize {
		return VariantUnknown, 0, fmt.Errorf("%w: file of %d bytes has no footer signature", ErrUnsupportedVariant, v.Size())
	}
	sig, err := v.Read(v.Size()-signatureSize, signatureSize)
	if err != nil {
		return VariantUnknown, 0, err
	}
	variant, footerSize := VariantUnknown, int64(0)
	if bytes.Equal(sig, go2Signature) {
		variant, footerSize = VariantGo2, footerGo2Size
	}
	if bytes.Equal(sig, go3Signature) {
		variant, footerSize = VariantGo3, footerGo3Size
	}
	if variant == VariantUnknown {
		return VariantUnknown, 0, ErrUnsupportedVariant
	}
	return variant, footerSize, nil
}

func trimName(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

func (f *Firmware) readSlot(offset int64) (FirmwareSlot, error) {
	var s FirmwareSlot
	b, err := f.v.Read(offset, slotSize)
	if err != nil {
		return s, fmt.Errorf("unable to read footer record: %w", err)
	}
	length, err := f.v.Uint32(offset)
	if err != nil {
		return s, err
	}
	s.Length = length
	s.Filename = trimName(b[slotLengthSize : slotLengthSize+slotFilenameSize])
	s.Version = trimName(b[slotLengthSize+slotFilenameSize : slotMd5Pos])
	copy(s.Md5[:], b[slotMd5Pos:])
	return s, nil
}

func (f *Firmware) readFooter() error {
	base := f.v.Size() - f.FooterSize
	var err error
	if f.Footer.Camera, err = f.readSlot(base); err != nil {
		return err
	}
	if f.Footer.Box, err = f.readSlot(base + slotSize); err != nil {
		return err
	}
	if f.Variant == VariantGo3 {
		cameraBt, err := f.readSlot(base + 2*slotSize)
		if err != nil {
			return err
		}
		boxBt, err := f.readSlot(base + 3*slotSize)
		if err != nil {
			return err
		}
		f.Footer.CameraBt = &cameraBt
		f.Footer.BoxBt = &boxBt
	}

	log.Infof("camera firmware size: %d", f.Footer.Camera.Length)
	log.Infof("box firmware size: %d", f.Footer.Box.Length)
	if f.Variant == VariantGo3 {
		log.Infof("camera Bluetooth firmware size: %d", f.Footer.CameraBt.Length)
		log.Infof("box Bluetooth firmware size: %d", f.Footer.BoxBt.Length)
	}
	log.Infof("footer size: %d", f.FooterSize)
	log.Infof("camera firmware: %s %s", f.Footer.Camera.Filename, f.Footer.Camera.Version)
	log.Infof("box firmware: %s %s", f.Footer.Box.Filename, f.Footer.Box.Version)
	if f.Variant == VariantGo3 {
		log.Infof("camera Bluetooth firmware: %s %s", f.Footer.CameraBt.Filename, f.Footer.CameraBt.Version)
		log.Infof("box Bluetooth firmware: %s %s", f.Footer.BoxBt.Filename, f.Footer.BoxBt.Version)
	}
	return nil
}

// btSizes returns the Bluetooth slot lengths, zero on GO 2.
func (f *Firmware) btSizes() (int64, int64) {
	if f.Variant != VariantGo3 {
		return 0, 0
	}
	return int64(f.Footer.CameraBt.Length), int64(f.Footer.BoxBt.Length)
}

// checkTotalSize rejects files whose recorded part sizes do not add up
// to the file size before any of those sizes is used as an offset. A
// random blob whose tail happens to match a signature fails here, not
// with a garbage parse.
func (f *Firmware) checkTotalSize() error {
	cameraBt, boxBt := f.btSizes()
	total := int64(f.Footer.Camera.Length) + int64(f.Footer.Box.Length) + cameraBt + boxBt + f.FooterSize
	log.Infof("total size: %d", total)
	if total != f.v.Size() {
		return fmt.Errorf("%w: firmware parts total %d bytes, file is %d", ErrSizeMismatch, total, f.v.Size())
	}
	return nil
}

func (f *Firmware) readHeader() error {
	b, err := f.v.Read(0, headerSize)
	if err != nil {
		return fmt.Errorf("unable to read firmware header: %w", err)
	}
	f.HeaderName = trimName(b[:headerNameSize])
	if !bytes.Equal(b[headerMagicPos:headerMagicPos+len(headerMagic)], headerMagic) {
		return fmt.Errorf("%w: firmware header starts % 02x", ErrBadMagic, b[headerMagicPos:headerMagicPos+len(headerMagic)])
	}
	if f.HeaderCrc32, err = f.v.Uint32(headerCrc32Pos); err != nil {
		return err
	}
	f.headerZeros = b[headerZerosPos : headerZerosPos+headerZerosSize]
	return f.readSectionTable()
}

func (f *Firmware) readSectionTable() error {
	start := int64(headerSize)
	for i := 0; i < headerTableSlots; i++ {
		base := int64(headerTablePos + i*headerTableSlotSize)
		length, err := f.v.Uint32(base)
		if err != nil {
			return err
		}
		crc, err := f.v.Uint32(base + 4)
		if err != nil {
			return err
		}

		// The DTB slot stores a crc32 but a zero length; the true length
		// sits in the section's own header, located by its magic.
		if crc != 0 && length == 0 {
			if length, err = f.recoverSectionLength(start); err != nil {
				return fmt.Errorf("unable to recover length for section %d: %w", i, err)
			}
		}

		f.Table[i] = TableEntry{Length: length, Crc32: crc}
		end := start + int64(length)
		if crc != 0 && length != 0 {
			f.HeaderSections = append(f.HeaderSections, HeaderSection{
				Start:        start,
				End:          end,
				Length:       int64(length),
				Crc32:        crc,
				Crc32Inverse: 0xFFFFFFFF ^ crc,
			})
		}
		if length != 0 {
			s, err := f.readSectionHeader(i, start, end)
			if err != nil {
				return err
			}
			f.Sections = append(f.Sections, s)
		}
		start = end
	}
	return nil
}

// recoverSectionLength scans forward from the section's expected start
// for the next section magic; the length field sits 12 bytes before it,
// and does not count the 256-byte header.
func (f *Firmware) recoverSectionLength(start int64) (uint32, error) {
	limit := f.v.Size() - f.FooterSize
	if start >= limit {
		return 0, fmt.Errorf("%w: no section magic after offset %d", ErrBadMagic, start)
	}
	b, err := f.v.Read(start, limit-start)
	if err != nil {
		return 0, err
	}
	idx := bytes.Index(b, sectionMagic)
	if idx < 0 {
		return 0, fmt.Errorf("%w: no section magic after offset %d", ErrBadMagic, start)
	}
	length, err := f.v.Uint32(start + int64(idx) - (sectionMagicPos - sectionLengthPos))
	if err != nil {
		return 0, err
	}
	return length + sectionHeaderSize, nil
}

func (f *Firmware) readSectionHeader(index int, start, end int64) (Section, error) {
	s := Section{Index: index, Start: start, BodyStart: start + sectionHeaderSize, End: end}
	b, err := f.v.Read(start, sectionHeaderSize)
	if err != nil {
		return s, fmt.Errorf("unable to read header of section %d: %w", index, err)
	}
	s.Crc32 = binary.LittleEndian.Uint32(b[sectionCrc32Pos:])
	s.Version = binary.LittleEndian.Uint32(b[sectionVersionPos:])
	s.Date = binary.LittleEndian.Uint32(b[sectionDatePos:])
	s.Length = binary.LittleEndian.Uint32(b[sectionLengthPos:])
	s.LoadingAddress = binary.LittleEndian.Uint32(b[sectionLoadingAddressPos:])
	s.Flags = binary.LittleEndian.Uint32(b[sectionFlagsPos:])
	s.Magic = binary.LittleEndian.Uint32(b[sectionMagicPos:])
	return s, nil
}

func (f *Firmware) readInternalMd5() error {
	cameraSize := int64(f.Footer.Camera.Length)
	if cameraSize < md5Size || cameraSize > f.v.Size() {
		return fmt.Errorf("%w: camera firmware size %d", ErrSizeMismatch, cameraSize)
	}
	b, err := f.v.Read(cameraSize-md5Size, md5Size)
	if err != nil {
		return err
	}
	copy(f.InternalMd5[:], b)
	log.Infof("camera firmware internal MD5: %x", f.InternalMd5)
	return nil
}
