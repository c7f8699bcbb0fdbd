package zipar

import (
	"path"
	"strings"
)

// MangledName returns a best-effort relative path for the entry: separators
// are normalised, the name is truncated at the first NUL, and absolute
// prefixes and parent references are dropped. Use it when something must
// come out of any archive, however hostile the name.
func (e *Entry) MangledName() string {
	name := e.Name
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, "\\", "/")

	parts := make([]string, 0, strings.Count(name, "/")+1)
	for _, c := range strings.Split(name, "/") {
		switch {
		case c == "" || c == "." || c == "..":
		case isDrivePrefix(c):
		default:
			parts = append(parts, c)
		}
	}

	return path.Join(parts...)
}

// EnclosedName returns the entry name as a path guaranteed to stay inside
// an extraction root, or false when the name cannot be trusted: it contains
// a NUL, resolves to an absolute path, or escapes upward via "..".
func (e *Entry) EnclosedName() (string, bool) {
	name := e.Name
	if strings.IndexByte(name, 0) >= 0 {
		return "", false
	}

	normalised := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalised, "/") {
		return "", false
	}

	var depth int
	parts := make([]string, 0, strings.Count(normalised, "/")+1)
	for _, c := range strings.Split(normalised, "/") {
		switch {
		case c == "" || c == ".":
		case c == "..":
			if depth == 0 {
				return "", false
			}
			depth--
			parts = parts[:len(parts)-1]
		case isDrivePrefix(c):
			return "", false
		default:
			depth++
			parts = append(parts, c)
		}
	}

	if len(parts) == 0 {
		return "", false
	}

	return path.Join(parts...), true
}

// isDrivePrefix reports whether a path component is a Windows drive prefix
// such as "C:".
func isDrivePrefix(c string) bool {
	return len(c) == 2 && c[1] == ':' &&
		(c[0] >= 'a' && c[0] <= 'z' || c[0] >= 'A' && c[0] <= 'Z')
}
