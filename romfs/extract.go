package romfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/enekochan/insta360-go-firmware-tool/view"
)

// Extract unpacks the archive at archivePath into dir, which must not
// exist yet, and writes the extracted names one per line to dir+".files"
// so the archive can later be rebuilt in the same order.
func Extract(archivePath, dir string) error {
	v, err := view.Open(archivePath)
	if err != nil {
		return err
	}
	defer v.Close()

	r, err := Decode(v)
	if err != nil {
		return fmt.Errorf("unable to decode %s: %w", archivePath, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create %s: %w", dir, err)
	}
	list, err := os.Create(dir + ".files")
	if err != nil {
		return fmt.Errorf("unable to create file list: %w", err)
	}
	defer list.Close()

	w := bufio.NewWriter(list)
	for _, f := range r.Files() {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("unable to write %s: %w", f.Name, err)
		}
		fmt.Fprintln(w, f.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("unable to write file list: %w", err)
	}
	return nil
}

// BuildFromList rebuilds a ROMFS archive from a section_N.files manifest.
// Each listed name is loaded from the section_N directory next to the
// manifest, and the encoded archive replaces section_N.bin.
func BuildFromList(listPath string) error {
	manifest, err := os.ReadFile(listPath)
	if err != nil {
		return fmt.Errorf("unable to read file list %s: %w", listPath, err)
	}
	folder := filepath.Dir(listPath)
	section := strings.TrimSuffix(filepath.Base(listPath), filepath.Ext(listPath))

	r := &RomFs{}
	for _, name := range strings.Split(string(manifest), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(folder, section, name))
		if err != nil {
			return fmt.Errorf("unable to read %s: %w", name, err)
		}
		r.AddFile(name, data)
	}
	log.Infof("rebuilding %s from %d files", section+".bin", len(r.Files()))

	encoded, err := r.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(folder, section+".bin"), encoded, 0o644); err != nil {
		return fmt.Errorf("unable to write archive: %w", err)
	}
	return nil
}
