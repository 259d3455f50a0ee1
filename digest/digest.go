package digest

import (
	"crypto/md5"
	"hash/crc32"

	"github.com/enekochan/insta360-go-firmware-tool/view"
)

// Md5 computes the MD5 digest of length bytes starting at start.
func Md5(v *view.View, start, length int64) ([md5.Size]byte, error) {
	var sum [md5.Size]byte
	b, err := v.Read(start, length)
	if err != nil {
		return sum, err
	}
	return md5.Sum(b), nil
}

// Crc32 computes the zlib CRC32 of length bytes at start, seeded with a
// previous running value. Seed 0 starts a fresh computation; feeding the
// result of one call as the seed of the next is bit-identical to a single
// CRC32 over the concatenated ranges.
func Crc32(v *view.View, start, length int64, seed uint32) (uint32, error) {
	b, err := v.Read(start, length)
	if err != nil {
		return 0, err
	}
	return Crc32Bytes(b, seed), nil
}

// Crc32Bytes is Crc32 over a plain slice.
func Crc32Bytes(b []byte, seed uint32) uint32 {
	return crc32.Update(seed, crc32.IEEETable, b)
}
