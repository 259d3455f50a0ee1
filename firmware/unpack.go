package firmware

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/romfs"
)

// Unpack writes the container's pieces into dir, which must not exist:
// the raw header and footer, every section's header and body, extracted
// ROMFS trees with their file manifests, decompiled device trees when
// dtc is available, the box firmware, and on GO 3 both Bluetooth
// firmwares. EXT2 sections stay opaque blobs.
func (f *Firmware) Unpack(dir string) error {
	log.Info("unpacking...")
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create output folder: %w", err)
	}

	for i, s := range f.Sections {
		log.Infof("exporting section %d", i)
		name := fmt.Sprintf("section_%d", i)

		header, err := f.v.Read(s.Start, sectionHeaderSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name+".header"), header, 0o644); err != nil {
			return fmt.Errorf("unable to write section header: %w", err)
		}
		body, err := f.v.Read(s.BodyStart, s.End-s.BodyStart)
		if err != nil {
			return err
		}
		binPath := filepath.Join(dir, name+".bin")
		if err := os.WriteFile(binPath, body, 0o644); err != nil {
			return fmt.Errorf("unable to write section body: %w", err)
		}

		switch detectKind(body) {
		case kindRomFs:
			log.Info("detected ROMFS section, unpacking...")
			if err := romfs.Extract(binPath, filepath.Join(dir, name)); err != nil {
				return err
			}
		case kindDtb:
			log.Info("detected DTB section...")
			if _, err := exec.LookPath("dtc"); err != nil {
				log.Warn("device-tree-compiler is not installed, skipping...")
				continue
			}
			log.Info("unpacking dtb...")
			dts := filepath.Join(dir, name+".dts")
			cmd := exec.Command("dtc", "-q", "-I", "dtb", "-O", "dts", "-o", dts, binPath)
			if out, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("dtc failed: %s: %w", out, err)
			}
		case kindExt2:
			log.Info("detected Linux EXT2 filesystem section, keeping as opaque image...")
		default:
			log.Infof("section %d: %s", i, detectKind(body))
		}
	}

	header, err := f.v.Read(0, headerSize)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "firmware.header"), header, 0o644); err != nil {
		return fmt.Errorf("unable to write firmware header: %w", err)
	}

	footer, err := f.v.Read(f.v.Size()-f.FooterSize, f.FooterSize)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "firmware.footer"), footer, 0o644); err != nil {
		return fmt.Errorf("unable to write firmware footer: %w", err)
	}

	cameraSize := int64(f.Footer.Camera.Length)
	boxSize := int64(f.Footer.Box.Length)
	box, err := f.v.Read(cameraSize, boxSize)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "box.bin"), box, 0o644); err != nil {
		return fmt.Errorf("unable to write box firmware: %w", err)
	}

	if f.Variant == VariantGo3 {
		cameraBtSize, boxBtSize := f.btSizes()
		cameraBt, err := f.v.Read(cameraSize+boxSize, cameraBtSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "camera_bt.bin"), cameraBt, 0o644); err != nil {
			return fmt.Errorf("unable to write camera Bluetooth firmware: %w", err)
		}
		boxBt, err := f.v.Read(cameraSize+boxSize+cameraBtSize, boxBtSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "box_bt.bin"), boxBt, 0o644); err != nil {
			return fmt.Errorf("unable to write box Bluetooth firmware: %w", err)
		}
	}
	return nil
}
