package firmware

import "errors"

// Validation and packing fail fast with one of these kinds, wrapped with
// call-site context. Callers test with errors.Is.
var (
	// ErrUnsupportedVariant means the trailing signature matches neither
	// the GO 2 nor the GO 3 footer.
	ErrUnsupportedVariant = errors.New("only Insta360 GO 2 and Insta360 GO 3 cameras are supported")
	// ErrBadMagic means a header or section-header magic number is wrong.
	ErrBadMagic = errors.New("invalid magic number")
	// ErrSizeMismatch means the recorded part sizes do not add up to the
	// actual file size.
	ErrSizeMismatch = errors.New("invalid size")
	// ErrCrcMismatch covers the header CRC32, per-section content CRC32,
	// and the chained section-table CRC32.
	ErrCrcMismatch = errors.New("invalid CRC32")
	// ErrMd5Mismatch covers the internal camera MD5 and the footer MD5s.
	ErrMd5Mismatch = errors.New("invalid MD5")
	// ErrZeroFieldNonZero means a reserved all-zero field carries data.
	ErrZeroFieldNonZero = errors.New("reserved field not zero")
	// ErrExternalToolMissing means a DTB rebuild was requested but the
	// device tree compiler is not installed.
	ErrExternalToolMissing = errors.New("device-tree-compiler is not installed")
)
