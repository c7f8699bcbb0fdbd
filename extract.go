package zipar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Extract writes every entry beneath dir in index order. Entry names are
// required to be enclosed; an entry that escapes the target fails the
// whole extraction. Extraction is not atomic: on error, files already
// written stay on disk.
func (a *Archive) Extract(dir string) error {
	for i, e := range a.shared.entries {
		rel, ok := e.EnclosedName()
		if !ok {
			return invalidArchive("Invalid file path")
		}

		path := filepath.Join(dir, filepath.FromSlash(rel))
		if e.IsDir() {
			if err := os.MkdirAll(path, os.FileMode(e.UnixMode())); err != nil {
				return fmt.Errorf("create directory (path=%s) error: %w", path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create parent directories to file (path=%s) error: %w", path, err)
		}

		if err := a.extractFile(i, path, os.FileMode(e.UnixMode())); err != nil {
			return err
		}
	}

	return nil
}

func (a *Archive) extractFile(i int, path string, perm os.FileMode) error {
	er, err := a.ByIndex(i)
	if err != nil {
		return err
	}
	defer er.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create file (path=%s) error: %w", path, err)
	}

	_, err = io.Copy(dst, er)
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("extract file (name=%s) to (path=%s) error: %w", er.Entry.Name, path, err)
	}

	return os.Chmod(path, perm)
}
