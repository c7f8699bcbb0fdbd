package zipar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMangledName(t *testing.T) {
	for name, want := range map[string]string{
		"/path/../../../../etc/passwd\x00/etc/shadow": "path/etc/passwd",
		"foo/bar.txt":        "foo/bar.txt",
		"/absolute/file":     "absolute/file",
		"..\\..\\evil":       "evil",
		"C:/temp/file":       "temp/file",
		"./a/./b":            "a/b",
		"dir/":               "dir",
		"\x00everything/cut": "",
	} {
		e := &Entry{Name: name}
		assert.Equal(t, want, e.MangledName(), "name %q", name)
	}
}

func TestEnclosedName(t *testing.T) {
	for name, want := range map[string]string{
		"foo/bar.txt":     "foo/bar.txt",
		"a/./b":           "a/b",
		"a/inner/../b":    "a/b",
		"test/\u2603.txt": "test/\u2603.txt",
	} {
		e := &Entry{Name: name}
		got, ok := e.EnclosedName()
		assert.True(t, ok, "name %q", name)
		assert.Equal(t, want, got, "name %q", name)
	}

	for _, name := range []string{
		"/path/../../../../etc/passwd\x00/etc/shadow",
		"/absolute",
		"../escape",
		"a/../../escape",
		"nul\x00byte",
		"C:/windows",
		"",
	} {
		e := &Entry{Name: name}
		_, ok := e.EnclosedName()
		assert.False(t, ok, "name %q", name)
	}
}
