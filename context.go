package zipar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ContextArchive serialises archive access behind a mutex and threads a
// context through every I/O boundary, so long reads stop at the next
// operation once the context is cancelled.
//
// While a ContextEntryReader is alive it owns the byte source; the source
// returns to the handle on Close. Calls on one handle are serialised by
// the mutex; opening an entry while another ContextEntryReader is still
// open fails with ErrSourceBusy.
type ContextArchive struct {
	mu     sync.Mutex
	shared *sharedArchive
	size   int64
	src    io.ReadSeeker // nil while lent
	closer io.Closer
}

// NewContextArchive parses the central directory and returns a handle
// whose operations observe ctx.
func NewContextArchive(ctx context.Context, src io.ReadSeeker) (*ContextArchive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("measure archive: %w", err)
	}

	shared, err := readDirectory(src, size)
	if err != nil {
		return nil, err
	}

	return &ContextArchive{shared: shared, size: size, src: src}, nil
}

// OpenContextArchive opens the named file as a context-aware archive.
func OpenContextArchive(ctx context.Context, name string) (*ContextArchive, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	a, err := NewContextArchive(ctx, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	a.closer = f
	return a, nil
}

// Close releases the underlying file when the handle owns one.
func (a *ContextArchive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Len returns the number of entries.
func (a *ContextArchive) Len() int { return len(a.shared.entries) }

// Comment returns the archive-level comment bytes.
func (a *ContextArchive) Comment() []byte { return a.shared.comment }

// Offset returns the prepended-junk shift.
func (a *ContextArchive) Offset() uint64 { return a.shared.offset }

// FileNames returns the entry names in central-directory order.
func (a *ContextArchive) FileNames() []string {
	names := make([]string, len(a.shared.entries))
	for i, e := range a.shared.entries {
		names[i] = e.Name
	}
	return names
}

// ContextEntryReader reads one entry's plaintext, checking the context on
// every read.
type ContextEntryReader struct {
	// Entry is the descriptor this reader was opened from.
	Entry *Entry

	ctx     context.Context
	r       io.Reader
	closers []io.Closer
	a       *ContextArchive
	src     io.ReadSeeker
	closed  bool
}

func (er *ContextEntryReader) Read(p []byte) (int, error) {
	if err := er.ctx.Err(); err != nil {
		return 0, err
	}
	return er.r.Read(p)
}

// Close releases the decoder chain and returns the source to the handle.
func (er *ContextEntryReader) Close() error {
	if er.closed {
		return nil
	}
	er.closed = true

	var err error
	for _, c := range er.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	er.a.mu.Lock()
	er.a.src = er.src
	er.a.mu.Unlock()
	return err
}

// ByIndex opens the entry at the given index for reading.
func (a *ContextArchive) ByIndex(ctx context.Context, i int) (*ContextEntryReader, error) {
	return a.open(ctx, i, nil)
}

// ByName opens the named entry for reading.
func (a *ContextArchive) ByName(ctx context.Context, name string) (*ContextEntryReader, error) {
	i, ok := a.shared.names[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	return a.open(ctx, i, nil)
}

// ByIndexDecrypt opens the entry at the given index with a password.
func (a *ContextArchive) ByIndexDecrypt(ctx context.Context, i int, password []byte) (*ContextEntryReader, error) {
	return a.open(ctx, i, password)
}

func (a *ContextArchive) open(ctx context.Context, i int, password []byte) (*ContextEntryReader, error) {
	if i < 0 || i >= len(a.shared.entries) {
		return nil, ErrFileNotFound
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	src := a.src
	if src == nil {
		a.mu.Unlock()
		return nil, ErrSourceBusy
	}
	a.src = nil
	a.mu.Unlock()

	giveBack := func() {
		a.mu.Lock()
		a.src = src
		a.mu.Unlock()
	}

	e := a.shared.entries[i]
	limited, err := openEntryData(src, e)
	if err != nil {
		giveBack()
		return nil, err
	}

	r, closers, err := buildEntryPipeline(limited, e, password)
	if err != nil {
		giveBack()
		return nil, err
	}

	return &ContextEntryReader{Entry: e, ctx: ctx, r: r, closers: closers, a: a, src: src}, nil
}

// Extract writes every entry beneath dir in index order, stopping at the
// next I/O boundary once ctx is cancelled.
func (a *ContextArchive) Extract(ctx context.Context, dir string) error {
	buf := make([]byte, 32*1024)
	for i, e := range a.shared.entries {
		if err := ctx.Err(); err != nil {
			return err
		}

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

		er, err := a.open(ctx, i, nil)
		if err != nil {
			return err
		}

		err = writeFileContext(ctx, path, er, os.FileMode(e.UnixMode()), buf)
		if cerr := er.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract file (name=%s) to (path=%s) error: %w", e.Name, path, err)
		}
	}

	return nil
}

func writeFileContext(ctx context.Context, path string, src io.Reader, perm os.FileMode, buf []byte) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	_, err = CopyBufferWithContext(ctx, dst, src, buf)
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// CopyBufferWithContext is an implementation of io.CopyBuffer that is
// cancellable via context. The context is checked for done status after
// every write, so a very large buffer delays cancellation while a tiny one
// adds overhead.
func CopyBufferWithContext(ctx context.Context, dst io.Writer, src io.Reader, buf []byte) (written int64, err error) {
	if buf == nil {
		buf = make([]byte, 32*1024)
	}

	var nr, nw int
	for {
		nr, err = src.Read(buf)

		if nr > 0 {
			switch nw, err = dst.Write(buf[0:nr]); {
			case err != nil:
				return written, err
			case nw < nr:
				return written, io.ErrShortWrite
			}

			written += int64(nw)

			select {
			case <-ctx.Done():
				return written, ctx.Err()
			default:
			}
		}

		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
