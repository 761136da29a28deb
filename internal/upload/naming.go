package upload

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const (
	stagingSuffix  = "_upload"
	spillDirSuffix = "_chunks"
	spillPrefix    = "chunk"
)

// uniqueName returns base+suffix, or base+suffix+n for the smallest n >= 0
// that does not name an existing filesystem entry.
func uniqueName(base, suffix string) (string, error) {
	candidate := base + suffix
	for n := 0; ; n++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = base + suffix + strconv.Itoa(n)
	}
}

// spillDirBase is the hidden sibling directory prefix for a destination,
// i.e. <dir>/.<basename>.
func spillDirBase(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
}

// ValidatePath accepts only absolute, already-cleaned destination paths.
func ValidatePath(path string) error {
	if path == "" || !filepath.IsAbs(path) || filepath.Clean(path) != path {
		return ErrRelativePath
	}
	return nil
}
