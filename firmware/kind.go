package firmware

import (
	"bytes"

	"github.com/enekochan/insta360-go-firmware-tool/romfs"
)

// contentKind tags what a section body holds, detected purely by magic
// bytes. Only ROMFS and DTB get special treatment; the rest are opaque.
type contentKind int

const (
	kindUnknown contentKind = iota
	kindRtos
	kindRomFs
	kindKernel
	kindExt2
	kindDtb
)

func (k contentKind) String() string {
	switch k {
	case kindRtos:
		return "RTOS"
	case kindRomFs:
		return "ROMFS"
	case kindKernel:
		return "KERNEL"
	case kindExt2:
		return "EXT2"
	case kindDtb:
		return "DTB"
	}
	return "UNKNOWN"
}

// detectKind inspects the first bytes of a section body. b may be a
// truncated prefix; probes beyond its end simply do not match.
func detectKind(b []byte) contentKind {
	has := func(pos int, magic []byte) bool {
		return len(b) >= pos+len(magic) && bytes.Equal(b[pos:pos+len(magic)], magic)
	}
	switch {
	case has(0, rtosMagic):
		return kindRtos
	case has(0, romfs.Magic):
		return kindRomFs
	case has(kernelMagicPos, kernelMagic):
		return kindKernel
	case has(ext2MagicPos, ext2Magic):
		return kindExt2
	case has(0, dtbMagic):
		return kindDtb
	}
	return kindUnknown
}

// kindProbeSize is how many body bytes detectKind needs to see: the EXT2
// superblock signature sits deepest, at 0x438.
const kindProbeSize = ext2MagicPos + 2
