package zipar

import (
	"bytes"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree composes an archive with nested directories and payload sizes
// straddling both spool thresholds.
func buildTree(t *testing.T) ([]byte, map[string][]byte) {
	t.Helper()

	rng := rand.New(rand.NewSource(42))
	want := make(map[string][]byte)

	data := buildArchive(t, func(w *Writer) {
		require.NoError(t, w.AddDir("top/"))
		require.NoError(t, w.AddDir("top/nested/"))

		sizes := []int{0, 17, 2047, 2048, 5000, 99_999, 100_001, 250_000}
		for i, size := range sizes {
			payload := make([]byte, size)
			_, _ = rng.Read(payload)

			name := fmt.Sprintf("top/nested/file-%02d.bin", i)
			if i%2 == 0 {
				name = fmt.Sprintf("top/file-%02d.bin", i)
			}
			want[name] = payload

			method := Deflate
			if i%3 == 0 {
				method = Store
			}

			f, err := w.Create(name, WithMethod(method), WithPerm(0o640))
			require.NoError(t, err)
			_, err = f.Write(payload)
			require.NoError(t, err)
		}

		// a file whose parents exist only implicitly, to exercise the
		// writer stage's self-healing mkdir.
		orphan := []byte("no explicit directory entries on my path")
		want["implicit/deep/path/orphan.txt"] = orphan
		f, err := w.Create("implicit/deep/path/orphan.txt", WithMethod(Store))
		require.NoError(t, err)
		_, err = f.Write(orphan)
		require.NoError(t, err)
	})

	return data, want
}

func snapshotTree(t *testing.T, root string) map[string][]byte {
	t.Helper()

	got := make(map[string][]byte)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		got[filepath.ToSlash(rel)] = b
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestParallelMatchesSequentialExtract(t *testing.T) {
	data, want := buildTree(t)

	seqDir := t.TempDir()
	require.NoError(t, openArchive(t, data).Extract(seqDir))

	parDir := t.TempDir()
	require.NoError(t, openArchive(t, data).ExtractParallel(parDir))

	seq := snapshotTree(t, seqDir)
	par := snapshotTree(t, parDir)

	assert.Equal(t, want, seq)
	assert.Equal(t, seq, par)
}

func TestParallelExtractSmallWorkerCounts(t *testing.T) {
	data, want := buildTree(t)

	for _, workers := range []int{1, 2} {
		dir := t.TempDir()
		err := openArchive(t, data).ExtractParallel(dir, func(o *ParallelOptions) {
			o.Workers = workers
			o.QueueDepth = 2
		})
		require.NoError(t, err)
		assert.Equal(t, want, snapshotTree(t, dir), "workers=%d", workers)
	}
}

func TestParallelExtractRejectsUnsafeNames(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		f, err := w.Create("../escape.txt", WithMethod(Store))
		require.NoError(t, err)
		_, err = f.Write([]byte("nope"))
		require.NoError(t, err)
	})

	dir := t.TempDir()
	err := openArchive(t, data).ExtractParallel(dir)

	var invalid InvalidArchiveError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "Invalid file path", invalid.Reason)

	// nothing may have been written before planning rejected the name.
	assert.Empty(t, snapshotTree(t, dir))
}

func TestParallelExtractPreservesPermissions(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		f, err := w.Create("bin/tool", WithMethod(Store), WithPerm(0o755))
		require.NoError(t, err)
		_, err = f.Write([]byte("#!/bin/sh\n"))
		require.NoError(t, err)
	})

	dir := t.TempDir()
	require.NoError(t, openArchive(t, data).ExtractParallel(dir))

	fi, err := os.Stat(filepath.Join(dir, "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestParallelExtractNeedsReaderAt(t *testing.T) {
	data, _ := buildTree(t)

	a, err := NewArchive(&forwardOnlySeeker{r: bytes.NewReader(data)})
	require.NoError(t, err)

	assert.ErrorIs(t, a.ExtractParallel(t.TempDir()), ErrNotCloneable)
}

// forwardOnlySeeker hides the ReaderAt half of bytes.Reader.
type forwardOnlySeeker struct {
	r *bytes.Reader
}

func (f *forwardOnlySeeker) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *forwardOnlySeeker) Seek(offset int64, whence int) (int64, error) {
	return f.r.Seek(offset, whence)
}

func TestIntermediateFileSpill(t *testing.T) {
	for name, sizeHint := range map[string]int64{"memory": 100, "spilled": 1 << 20} {
		t.Run(name, func(t *testing.T) {
			i, err := newIntermediateFile(sizeHint, 1024)
			require.NoError(t, err)
			defer i.Remove()

			payload := bytes.Repeat([]byte("x"), 300)
			_, err = i.Write(payload)
			require.NoError(t, err)

			n, err := i.Len()
			require.NoError(t, err)
			assert.EqualValues(t, 300, n)
			assert.EqualValues(t, 300, i.Pos())

			_, err = i.Seek(0, 0)
			require.NoError(t, err)

			clone, err := i.Clone()
			require.NoError(t, err)
			defer clone.Remove()

			buf := make([]byte, 300)
			_, err = clone.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, payload, buf)
		})
	}
}
