package firmware

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/digest"
)

// Validate runs the structural integrity checks over the parsed
// container, failing fast on the first mismatch: header fields, part
// sizes, the chained and per-section CRC32s, the header CRC32, and the
// internal and footer MD5s.
func (f *Firmware) Validate() error {
	if f.HeaderName != "" {
		return fmt.Errorf("%w: firmware header name %q", ErrZeroFieldNonZero, f.HeaderName)
	}
	// Header magic was asserted at parse; re-read it so a descriptor for
	// a mutated view still fails here.
	magic, err := f.v.Read(headerMagicPos, int64(len(headerMagic)))
	if err != nil {
		return err
	}
	if !bytes.Equal(magic, headerMagic) {
		return fmt.Errorf("%w: firmware header magic % 02x", ErrBadMagic, magic)
	}
	if !bytes.Equal(f.headerZeros, make([]byte, headerZerosSize)) {
		return fmt.Errorf("%w: firmware header zeros % 02x", ErrZeroFieldNonZero, f.headerZeros)
	}
	if f.Variant == VariantUnknown {
		return ErrUnsupportedVariant
	}
	if err := f.checkTotalSize(); err != nil {
		return err
	}
	if err := f.validateSectionChain(); err != nil {
		return err
	}
	if err := f.validateSectionContents(); err != nil {
		return err
	}
	if err := f.validateHeaderCrc32(); err != nil {
		return err
	}
	if err := f.validateMd5s(); err != nil {
		return err
	}
	return nil
}

// validateSectionChain walks the section table in index order, feeding
// each section's bytes (header plus body) into a running CRC32, and
// compares the complement of the running value against the stored slot.
func (f *Firmware) validateSectionChain() error {
	running := uint32(0)
	for i, hs := range f.HeaderSections {
		var err error
		running, err = digest.Crc32(f.v, hs.Start, hs.Length, running)
		if err != nil {
			return err
		}
		log.Infof("section %d crc32 stored: 0x%08x - inverse: 0x%08x - running: 0x%08x - length: %d bytes",
			i, hs.Crc32, hs.Crc32Inverse, running, hs.Length)
		if running != hs.Crc32Inverse {
			return fmt.Errorf("%w in firmware header for section %d", ErrCrcMismatch, i)
		}
	}
	return nil
}

// validateSectionContents checks each section's body against the CRC32
// in its own 256-byte header. The body excludes that header.
func (f *Firmware) validateSectionContents() error {
	for _, s := range f.Sections {
		crc, err := digest.Crc32(f.v, s.BodyStart, s.End-s.BodyStart, 0)
		if err != nil {
			return err
		}
		if crc != s.Crc32 {
			return fmt.Errorf("%w for content in section %d", ErrCrcMismatch, s.Index)
		}
	}
	return nil
}

// validateHeaderCrc32 checks the header's CRC32 field, which covers the
// camera firmware from the end of the header to just before the
// internal MD5.
func (f *Firmware) validateHeaderCrc32() error {
	cameraSize := int64(f.Footer.Camera.Length)
	crc, err := digest.Crc32(f.v, headerSize, cameraSize-headerSize-md5Size, 0)
	if err != nil {
		return err
	}
	if crc != f.HeaderCrc32 {
		return fmt.Errorf("%w in firmware header: calculated 0x%08x, stored 0x%08x", ErrCrcMismatch, crc, f.HeaderCrc32)
	}
	return nil
}

func (f *Firmware) validateMd5s() error {
	cameraSize := int64(f.Footer.Camera.Length)
	boxSize := int64(f.Footer.Box.Length)

	internal, err := digest.Md5(f.v, 0, cameraSize-md5Size)
	if err != nil {
		return err
	}
	if internal != f.InternalMd5 {
		return fmt.Errorf("%w: camera firmware internal MD5", ErrMd5Mismatch)
	}

	camera, err := digest.Md5(f.v, 0, cameraSize)
	if err != nil {
		return err
	}
	if camera != f.Footer.Camera.Md5 {
		return fmt.Errorf("%w: camera firmware MD5", ErrMd5Mismatch)
	}

	box, err := digest.Md5(f.v, cameraSize, boxSize)
	if err != nil {
		return err
	}
	if box != f.Footer.Box.Md5 {
		return fmt.Errorf("%w: box firmware MD5", ErrMd5Mismatch)
	}

	if f.Variant == VariantGo3 {
		cameraBtSize, boxBtSize := f.btSizes()
		cameraBt, err := digest.Md5(f.v, cameraSize+boxSize, cameraBtSize)
		if err != nil {
			return err
		}
		if cameraBt != f.Footer.CameraBt.Md5 {
			return fmt.Errorf("%w: camera Bluetooth firmware MD5", ErrMd5Mismatch)
		}
		boxBt, err := digest.Md5(f.v, cameraSize+boxSize+cameraBtSize, boxBtSize)
		if err != nil {
			return err
		}
		if boxBt != f.Footer.BoxBt.Md5 {
			return fmt.Errorf("%w: box Bluetooth firmware MD5", ErrMd5Mismatch)
		}
	}
	return nil
}
