package manifest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/mmcdole/semvid/internal/domain"
)

// Bundle names the files that make up an export archive
type Bundle struct {
	Manifest      *domain.Manifest
	ThumbnailPath string // optional
	VideoPath     string // optional
}

// ExportArchive writes the sharing bundle: <id>.json, <id>.jpg and <id>.mp4.
// Missing media paths are skipped; the manifest is always written first.
func ExportArchive(w io.Writer, b Bundle) error {
	if b.Manifest == nil {
		return fmt.Errorf("export: no manifest")
	}
	id := b.Manifest.ID.String()

	zw := zip.NewWriter(w)
	data, err := Marshal(b.Manifest)
	if err != nil {
		return err
	}
	if err := writeEntry(zw, id+".json", data); err != nil {
		return err
	}
	if b.ThumbnailPath != "" {
		if err := copyEntry(zw, id+".jpg", b.ThumbnailPath); err != nil {
			return err
		}
	}
	if b.VideoPath != "" {
		if err := copyEntry(zw, id+".mp4", b.VideoPath); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("export: finish archive: %w", err)
	}
	return nil
}

// ImportArchive reads the manifest back out of an export bundle
func ImportArchive(r io.ReaderAt, size int64) (*domain.Manifest, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %w", domain.ErrDecode, err)
	}
	for _, f := range zr.File {
		if path.Ext(f.Name) != ".json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecode, f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrDecode, f.Name, err)
		}
		return Decode(data)
	}
	return nil, fmt.Errorf("%w: archive has no manifest", domain.ErrDecode)
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("export: %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export: %s: %w", name, err)
	}
	return nil
}

func copyEntry(zw *zip.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("export: %s: %w", name, err)
	}
	defer f.Close()

	// media is already compressed
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("export: %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("export: %s: %w", name, err)
	}
	return nil
}
