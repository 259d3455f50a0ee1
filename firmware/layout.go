package firmware

// On-disk layout of the update container. All integers are little-endian.

const (
	md5Size   = 16
	crc32Size = 4

	// The 560-byte block at the start of the camera firmware.
	headerNameSize      = 32
	headerMagicPos      = 32
	headerCrc32Pos      = 36
	headerZerosPos      = 40
	headerZerosSize     = 8
	headerTablePos      = 48
	headerTableSlots    = 16
	headerTableSlotSize = 8
	headerSize          = 560

	// The 256-byte header prepended to every section body.
	sectionHeaderSize        = 256
	sectionCrc32Pos          = 0
	sectionVersionPos        = 4
	sectionDatePos           = 8
	sectionLengthPos         = 12
	sectionLoadingAddressPos = 16
	sectionFlagsPos          = 20
	sectionMagicPos          = 24

	// Footer slot records: length, filename, version, md5.
	slotLengthSize   = 4
	slotFilenameSize = 32
	slotVersionSize  = 32
	slotSize         = slotLengthSize + slotFilenameSize + slotVersionSize + md5Size // 84
	slotMd5Pos       = slotLengthSize + slotFilenameSize + slotVersionSize           // 68

	signatureSize = 16
	footerGo2Size = 2*slotSize + signatureSize // 184
	footerGo3Size = 4*slotSize + signatureSize // 352

	kernelMagicPos = 0x38
	ext2MagicPos   = 0x438
)

var (
	headerMagic  = []byte{0xE6, 0xDF, 0x32, 0x87}
	sectionMagic = []byte{0x90, 0xEB, 0x24, 0xA3}

	rtosMagic   = []byte{0x34, 0x00, 0x00, 0xEA, 0x05, 0x00, 0x00, 0xEA}
	kernelMagic = []byte{0x41, 0x52, 0x4D, 0x64} // ARMd
	ext2Magic   = []byte{0x53, 0xEF}
	dtbMagic    = []byte{0xD0, 0x0D, 0xFE, 0xED}

	go2Signature = []byte{0x57, 0x46, 0x4E, 0x49, 0x54, 0x58, 0x4E, 0x4F, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	go3Signature = []byte{0x57, 0x46, 0x4E, 0x49, 0x55, 0x58, 0x4E, 0x4F, 0x04, 0x00, 0x01, 0x00, 0x00, 0x00, 0x09, 0x00}
)
