package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/islishude/sett/internal/compress"
)

// packageNameLayout is the timestamp part of generated package names.
const packageNameLayout = "20060102T150405"

// maxOutputNameLength bounds package file names, extension included.
const maxOutputNameLength = 60

// ValidateOutputName accepts 1 to 60 ASCII letters, digits, '_', '-' and '.'.
func ValidateOutputName(name string) error {
	if name == "" || len(name) > maxOutputNameLength {
		return fmt.Errorf("invalid package name %q: length must be between 1 and %d", name, maxOutputNameLength)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return fmt.Errorf("invalid package name %q: only letters, digits, '_', '-' and '.' are allowed", name)
		}
	}
	return nil
}

// PackageName returns [prefix_]YYYYMMDDTHHMMSS[_suffix].tar.
func PackageName(prefix, suffix string, t time.Time) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, t.Format(packageNameLayout))
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return AddTarExt(strings.Join(parts, "_"))
}

// AddTarExt appends .tar unless fileName already ends in it.
func AddTarExt(fileName string) string {
	if strings.EqualFold(filepath.Ext(fileName), ".tar") {
		return fileName
	}
	return fileName + ".tar"
}

// resolveOutput applies an --output override to the generated name. An
// existing directory receives the generated name; anything else is taken
// as the file name inside an existing directory. Nothing is created here.
func resolveOutput(override, defaultDir, generated string) (string, error) {
	if override == "" {
		if defaultDir == "" {
			defaultDir = "."
		}
		return filepath.Join(defaultDir, generated), nil
	}
	st, err := os.Stat(override)
	switch {
	case err == nil && st.IsDir():
		return filepath.Join(override, generated), nil
	case err == nil:
		return "", fmt.Errorf("output %s already exists", override)
	case !errors.Is(err, os.ErrNotExist):
		return "", err
	}
	if strings.HasSuffix(override, "/") || strings.HasSuffix(override, string(filepath.Separator)) {
		return "", fmt.Errorf("output directory %s: %w", override, os.ErrNotExist)
	}
	dir, name := filepath.Split(override)
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, AddTarExt(name)), nil
}

// outputDirName derives the decrypt directory from the package file name,
// dropping a .tar extension and any compression extension after it.
func outputDirName(pkg string) string {
	base := filepath.Base(pkg)
	ext := filepath.Ext(base)
	if ext == base {
		return base
	}
	if strings.HasSuffix(base, ".tar"+ext) {
		ext = ".tar" + ext
	}
	if name := strings.TrimSuffix(base, ext); name != "" {
		return name
	}
	return base
}

// decryptedName is the file written in decrypt only mode.
func decryptedName(t compress.Type) string {
	switch t {
	case compress.Gzip:
		return "data.tar.gz"
	case compress.Bzip2:
		return "data.tar.bz2"
	case compress.Xz:
		return "data.tar.xz"
	case compress.Zstd:
		return "data.tar.zst"
	case compress.Lz4:
		return "data.tar.lz4"
	default:
		return "data.tar"
	}
}
