package zipar

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextArchiveReads(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		f, err := w.Create("ctx.txt", WithMethod(Deflate))
		require.NoError(t, err)
		_, err = f.Write(loremIpsum)
		require.NoError(t, err)
	})

	ctx := context.Background()
	a, err := NewContextArchive(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, []string{"ctx.txt"}, a.FileNames())

	er, err := a.ByName(ctx, "ctx.txt")
	require.NoError(t, err)

	got, err := io.ReadAll(er)
	require.NoError(t, err)
	assert.Equal(t, loremIpsum, got)
	require.NoError(t, er.Close())
}

func TestContextArchiveLendsSource(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		for _, name := range []string{"a", "b"} {
			f, err := w.Create(name, WithMethod(Store))
			require.NoError(t, err)
			_, err = f.Write([]byte(name))
			require.NoError(t, err)
		}
	})

	ctx := context.Background()
	a, err := NewContextArchive(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	first, err := a.ByIndex(ctx, 0)
	require.NoError(t, err)

	_, err = a.ByIndex(ctx, 1)
	assert.ErrorIs(t, err, ErrSourceBusy)

	require.NoError(t, first.Close())

	second, err := a.ByIndex(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestContextArchiveHonoursCancellation(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		f, err := w.Create("c.txt", WithMethod(Store))
		require.NoError(t, err)
		_, err = f.Write(loremIpsum)
		require.NoError(t, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	a, err := NewContextArchive(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	er, err := a.ByIndex(ctx, 0)
	require.NoError(t, err)
	defer er.Close()

	cancel()
	_, err = io.ReadAll(er)
	assert.ErrorIs(t, err, context.Canceled)

	// a cancelled context also rejects new opens.
	require.NoError(t, er.Close())
	_, err = a.ByIndex(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContextExtract(t *testing.T) {
	data, want := buildTree(t)

	a, err := NewContextArchive(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, a.Extract(context.Background(), dir))
	assert.Equal(t, want, snapshotTree(t, dir))
}

func TestCopyBufferWithContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyBufferWithContext(ctx, io.Discard, bytes.NewReader(loremIpsum), make([]byte, 8))
	assert.ErrorIs(t, err, context.Canceled)
}
