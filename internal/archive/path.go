package archive

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// PathError reports an archive member name that is not a safe relative path.
type PathError struct {
	Name   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("archive path %q is not allowed: %s", e.Name, e.Reason)
}

// ValidatePath accepts slash separated relative names that stay inside the
// archive root. A trailing slash (directory member) is permitted.
func ValidatePath(name string) error {
	trimmed := strings.TrimSuffix(name, "/")
	switch {
	case trimmed == "" || trimmed == ".":
		return &PathError{Name: name, Reason: "empty name"}
	case strings.ContainsRune(name, '\\'):
		return &PathError{Name: name, Reason: "contains a backslash"}
	case strings.ContainsRune(name, 0):
		return &PathError{Name: name, Reason: "contains a NUL byte"}
	case path.IsAbs(trimmed) || filepath.IsAbs(trimmed) || filepath.VolumeName(trimmed) != "":
		return &PathError{Name: name, Reason: "absolute path"}
	}
	clean := path.Clean(trimmed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return &PathError{Name: name, Reason: "escapes the archive root"}
	}
	return nil
}

// memberKey is the comparison form of a member name.
func memberKey(name string) string {
	return path.Clean(strings.TrimSuffix(name, "/"))
}

// safeJoin resolves a validated member name under base.
func safeJoin(base, member string) (string, error) {
	if err := ValidatePath(member); err != nil {
		return "", err
	}
	base = filepath.Clean(base)
	candidate := filepath.Clean(filepath.Join(base, filepath.FromSlash(memberKey(member))))
	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Name: member, Reason: "resolves outside the target directory"}
	}
	return candidate, nil
}
