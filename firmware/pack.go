package firmware

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/digest"
	"github.com/enekochan/insta360-go-firmware-tool/romfs"
	"github.com/enekochan/insta360-go-firmware-tool/view"
)

var sectionBinPattern = regexp.MustCompile(`^section_\d+\.bin$`)

// stagedSection is one section prepared for assembly: its header with
// CRC32 and length patched in, concatenated with the body, written to
// the staging directory.
type stagedSection struct {
	path  string
	size  int64
	isDtb bool
}

// Pack reassembles an unpacked firmware folder into a fresh container
// file at output, recomputing every CRC32 and MD5 along the way. The
// footer's filename and version fields are carried over from the
// unpacked firmware.footer untouched.
func Pack(folder, output string) error {
	log.Info("packing...")

	footerTemplate, err := os.ReadFile(filepath.Join(folder, "firmware.footer"))
	if err != nil {
		return fmt.Errorf("unable to read firmware footer: %w", err)
	}
	variant, footerSize, err := probeVariant(view.NewView(footerTemplate))
	if err != nil {
		return err
	}
	if int64(len(footerTemplate)) != footerSize {
		return fmt.Errorf("%w: firmware footer is %d bytes, expected %d", ErrSizeMismatch, len(footerTemplate), footerSize)
	}
	log.Infof("detected Insta360 %s firmware", variant)

	headerBlock, err := os.ReadFile(filepath.Join(folder, "firmware.header"))
	if err != nil {
		return fmt.Errorf("unable to read firmware header: %w", err)
	}
	if len(headerBlock) != headerSize {
		return fmt.Errorf("%w: firmware header is %d bytes, expected %d", ErrSizeMismatch, len(headerBlock), headerSize)
	}

	bins, err := sectionBins(folder)
	if err != nil {
		return err
	}

	tempDir, err := os.MkdirTemp("", "insta360-pack-")
	if err != nil {
		return fmt.Errorf("unable to create staging folder: %w", err)
	}
	defer os.RemoveAll(tempDir)

	log.Info("backing up section data...")
	header := make([]byte, headerSize)
	copy(header, headerBlock)
	staged := make([]stagedSection, 0, len(bins))
	running := uint32(0)
	totalSize := int64(0)
	for i, bin := range bins {
		st, err := stageSection(folder, tempDir, bin)
		if err != nil {
			return err
		}
		staged = append(staged, st)
		totalSize += st.size

		// The running chain covers each staged section (header plus
		// body); the table stores its complement, and the DTB slot's
		// length is always written as zero.
		blob, err := os.ReadFile(st.path)
		if err != nil {
			return fmt.Errorf("unable to read staged section: %w", err)
		}
		running = digest.Crc32Bytes(blob, running)
		slot := header[headerTablePos+i*headerTableSlotSize:]
		if st.isDtb {
			binary.LittleEndian.PutUint32(slot, 0)
		} else {
			binary.LittleEndian.PutUint32(slot, uint32(st.size))
		}
		binary.LittleEndian.PutUint32(slot[4:], 0xFFFFFFFF^running)
	}

	// The chained CRC32 from seed zero over all sections in order is
	// also the header's CRC32 of the whole section region.
	log.Info("adding camera firmware CRC32...")
	binary.LittleEndian.PutUint32(header[headerCrc32Pos:], running)

	log.Info("creating firmware...")
	out, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create output file: %w", err)
	}
	defer out.Close()

	cameraMd5 := md5.New()
	w := io.MultiWriter(out, cameraMd5)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("unable to write firmware header: %w", err)
	}
	for i, st := range staged {
		log.Infof("adding section %d data...", i)
		blob, err := os.ReadFile(st.path)
		if err != nil {
			return fmt.Errorf("unable to read staged section: %w", err)
		}
		if _, err := w.Write(blob); err != nil {
			return fmt.Errorf("unable to write section %d: %w", i, err)
		}
	}

	log.Info("adding whole firmware MD5...")
	internalMd5 := cameraMd5.Sum(nil)
	if _, err := w.Write(internalMd5); err != nil {
		return fmt.Errorf("unable to write internal MD5: %w", err)
	}
	cameraSize := headerSize + totalSize + md5Size

	footer := make([]byte, len(footerTemplate))
	copy(footer, footerTemplate)
	binary.LittleEndian.PutUint32(footer, uint32(cameraSize))
	copy(footer[slotMd5Pos:], cameraMd5.Sum(nil))

	log.Info("adding box firmware...")
	if err := appendImage(out, folder, "box.bin", footer[slotSize:]); err != nil {
		return err
	}
	if variant == VariantGo3 {
		log.Info("adding camera bluetooth firmware...")
		if err := appendImage(out, folder, "camera_bt.bin", footer[2*slotSize:]); err != nil {
			return err
		}
		log.Info("adding box bluetooth firmware...")
		if err := appendImage(out, folder, "box_bt.bin", footer[3*slotSize:]); err != nil {
			return err
		}
	}

	log.Info("adding footer...")
	if _, err := out.Write(footer); err != nil {
		return fmt.Errorf("unable to write footer: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("unable to close output file: %w", err)
	}
	log.Info("finished!")
	return nil
}

// sectionBins lists the section_N.bin files in the folder, ordered by
// section number.
func sectionBins(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("unable to read input folder: %w", err)
	}
	var bins []string
	for _, e := range entries {
		if sectionBinPattern.MatchString(e.Name()) {
			bins = append(bins, e.Name())
		}
	}
	sort.Slice(bins, func(i, j int) bool {
		return sectionNumber(bins[i]) < sectionNumber(bins[j])
	})
	return bins, nil
}

func sectionNumber(bin string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(bin, "section_"), ".bin"))
	return n
}

// stageSection rebuilds derived section content (ROMFS from its file
// manifest, DTB from its source when present), patches the section
// header's CRC32 and length, and writes header plus body as one staged
// blob.
func stageSection(folder, tempDir, bin string) (stagedSection, error) {
	var st stagedSection
	base := strings.TrimSuffix(bin, ".bin")
	binPath := filepath.Join(folder, bin)

	kind, err := probeContentKind(binPath)
	if err != nil {
		return st, err
	}
	log.Infof("%s: %s", bin, kind)
	switch kind {
	case kindRomFs:
		if err := romfs.BuildFromList(filepath.Join(folder, base+".files")); err != nil {
			return st, err
		}
	case kindDtb:
		if err := rebuildDtb(folder, base); err != nil {
			return st, err
		}
	}

	body, err := os.ReadFile(binPath)
	if err != nil {
		return st, fmt.Errorf("unable to read section body: %w", err)
	}
	header, err := os.ReadFile(filepath.Join(folder, base+".header"))
	if err != nil {
		return st, fmt.Errorf("unable to read section header: %w", err)
	}
	if len(header) != sectionHeaderSize {
		return st, fmt.Errorf("%w: %s.header is %d bytes, expected %d", ErrSizeMismatch, base, len(header), sectionHeaderSize)
	}

	patched := make([]byte, sectionHeaderSize)
	copy(patched, header)
	binary.LittleEndian.PutUint32(patched[sectionCrc32Pos:], digest.Crc32Bytes(body, 0))
	binary.LittleEndian.PutUint32(patched[sectionLengthPos:], uint32(len(body)))

	st.path = filepath.Join(tempDir, base)
	st.size = int64(len(patched) + len(body))
	st.isDtb = kind == kindDtb
	blob := append(patched, body...)
	if err := os.WriteFile(st.path, blob, 0o644); err != nil {
		return st, fmt.Errorf("unable to stage section: %w", err)
	}
	return st, nil
}

// rebuildDtb recompiles section_N.bin from section_N.dts, padding to
// the original binary size so the zero-length table convention keeps
// working. A .dts without dtc installed is an error on pack; no .dts
// means the binary is used as-is.
func rebuildDtb(folder, base string) error {
	dts := filepath.Join(folder, base+".dts")
	if _, err := os.Stat(dts); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("unable to stat %s: %w", dts, err)
	}
	if _, err := exec.LookPath("dtc"); err != nil {
		return fmt.Errorf("%w: cannot rebuild %s", ErrExternalToolMissing, dts)
	}
	bin := filepath.Join(folder, base+".bin")
	info, err := os.Stat(bin)
	if err != nil {
		return fmt.Errorf("unable to stat %s: %w", bin, err)
	}
	log.Info("packing dts...")
	cmd := exec.Command("dtc", "-q", "-I", "dts", "-O", "dtb", "-o", bin, "-S", strconv.FormatInt(info.Size(), 10), dts)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dtc failed: %s: %w", out, err)
	}
	return nil
}

// probeContentKind reads just enough of a section body file to detect
// its content tag.
func probeContentKind(path string) (contentKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return kindUnknown, fmt.Errorf("unable to open section body: %w", err)
	}
	defer f.Close()
	head := make([]byte, kindProbeSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return kindUnknown, fmt.Errorf("unable to read section body: %w", err)
	}
	return detectKind(head[:n]), nil
}

// appendImage copies an auxiliary firmware image to the output and
// patches its length and MD5 into the given footer slot.
func appendImage(out *os.File, folder, name string, slot []byte) error {
	data, err := os.ReadFile(filepath.Join(folder, name))
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", name, err)
	}
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("unable to write %s: %w", name, err)
	}
	sum := md5.Sum(data)
	binary.LittleEndian.PutUint32(slot, uint32(len(data)))
	copy(slot[slotMd5Pos:], sum[:])
	return nil
}

