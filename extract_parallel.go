package zipar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Parallel-extraction defaults. The spool thresholds decide when an
// in-flight payload spills from memory to a temp file.
const (
	DefaultQueueDepth      = 200
	DefaultSpoolCompressed = 2 * 1024
	DefaultSpoolPlaintext  = 100 * 1024
)

// ErrNotCloneable is returned by ExtractParallel when the archive source
// does not support independent read cursors.
var ErrNotCloneable = errors.New("archive source does not implement io.ReaderAt; parallel extraction needs independent cursors")

// ParallelOptions customises ExtractParallel.
type ParallelOptions struct {
	// Workers sizes the reader, decoder and writer pools. Defaults to
	// the CPU count.
	Workers int

	// QueueDepth bounds the two inter-stage channels and thereby the
	// number of in-flight intermediate payloads. Defaults to
	// DefaultQueueDepth.
	QueueDepth int

	// SpoolCompressed and SpoolPlaintext are the spill thresholds for
	// the raw and decoded payload buffers.
	SpoolCompressed int64
	SpoolPlaintext  int64
}

// plannedEntry is one unit of work flowing through the pipeline.
type plannedEntry struct {
	entry *Entry
	rel   string
	spool *intermediateFile
}

// ExtractParallel extracts every entry beneath dir through a five-stage
// pipeline: plan, read, decode, make directories, write. Stages are joined
// by bounded channels; the reader blocks when the decoder lags and the
// decoder blocks when the writer lags, which caps temp-disk usage.
//
// The archive source must implement io.ReaderAt so each reader worker can
// hold an independent cursor. No ordering is guaranteed across entries;
// if two entries sanitise to the same path, the last writer wins. There is
// no cancellation: the first stage error is returned and files already
// written stay on disk.
func (a *Archive) ExtractParallel(dir string, optFns ...func(*ParallelOptions)) error {
	if a.ra == nil {
		return ErrNotCloneable
	}

	opts := &ParallelOptions{
		Workers:         runtime.GOMAXPROCS(0),
		QueueDepth:      DefaultQueueDepth,
		SpoolCompressed: DefaultSpoolCompressed,
		SpoolPlaintext:  DefaultSpoolPlaintext,
	}
	for _, fn := range optFns {
		fn(opts)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction root (path=%s) error: %w", dir, err)
	}

	// plan up front: every name must be enclosed before any byte is
	// written, and the reader stage wants one contiguous slice to split.
	plan := make([]plannedEntry, 0, len(a.shared.entries))
	dirs := make(chan string, len(a.shared.entries))
	for _, e := range a.shared.entries {
		rel, ok := e.EnclosedName()
		if !ok {
			close(dirs)
			return invalidArchive("Invalid file path")
		}

		if e.IsDir() {
			dirs <- rel
			continue
		}

		if parent := filepath.Dir(filepath.FromSlash(rel)); parent != "." {
			dirs <- filepath.ToSlash(parent)
		}
		plan = append(plan, plannedEntry{entry: e, rel: rel})
	}
	close(dirs)

	g, ctx := errgroup.WithContext(context.Background())

	rawCh := make(chan plannedEntry, opts.QueueDepth)
	plainCh := make(chan plannedEntry, opts.QueueDepth)
	done := &completedPaths{root: dir, seen: make(map[string]struct{})}

	g.Go(func() error {
		defer close(rawCh)
		return a.runReaders(ctx, plan, rawCh, opts)
	})

	g.Go(func() error {
		defer close(plainCh)
		return runDecoders(ctx, rawCh, plainCh, opts)
	})

	g.Go(func() error {
		for rel := range dirs {
			if err := done.ensure(rel); err != nil {
				return err
			}
		}
		return nil
	})

	g.Go(func() error {
		return runWriters(ctx, plainCh, done, dir, opts)
	})

	return g.Wait()
}

// runReaders partitions the plan into contiguous slices, one per worker,
// so each worker seeks forward through its own region of the archive.
func (a *Archive) runReaders(ctx context.Context, plan []plannedEntry, out chan<- plannedEntry, opts *ParallelOptions) error {
	n := opts.Workers
	if n > len(plan) {
		n = len(plan)
	}
	if n == 0 {
		return nil
	}

	chunk := (len(plan) + n - 1) / n
	rg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		slice := plan[min(w*chunk, len(plan)):min((w+1)*chunk, len(plan))]
		src := io.NewSectionReader(a.ra, 0, a.size)

		rg.Go(func() error {
			for _, p := range slice {
				spool, err := readEntryPayload(src, p.entry, opts.SpoolCompressed)
				if err != nil {
					return err
				}

				p.spool = spool
				select {
				case out <- p:
				case <-ctx.Done():
					_ = spool.Remove()
					return ctx.Err()
				}
			}
			return nil
		})
	}

	return rg.Wait()
}

// readEntryPayload copies an entry's raw compressed bytes into a rewound
// intermediate file.
func readEntryPayload(src io.ReadSeeker, e *Entry, threshold int64) (*intermediateFile, error) {
	raw, err := openEntryData(src, e)
	if err != nil {
		return nil, err
	}

	spool, err := newIntermediateFile(int64(e.UncompressedSize), threshold)
	if err != nil {
		return nil, err
	}

	if _, err = io.Copy(spool, raw); err != nil {
		_ = spool.Remove()
		return nil, fmt.Errorf("spool entry (name=%s) error: %w", e.Name, err)
	}
	if _, err = spool.Seek(0, io.SeekStart); err != nil {
		_ = spool.Remove()
		return nil, err
	}

	return spool, nil
}

// runDecoders turns raw payloads into rewound plaintext spools.
func runDecoders(ctx context.Context, in <-chan plannedEntry, out chan<- plannedEntry, opts *ParallelOptions) error {
	dg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		dg.Go(func() error {
			for p := range in {
				plain, err := decodePayload(p, opts.SpoolPlaintext)
				_ = p.spool.Remove()
				if err != nil {
					return err
				}

				p.spool = plain
				select {
				case out <- p:
				case <-ctx.Done():
					_ = plain.Remove()
					return ctx.Err()
				}
			}
			return nil
		})
	}

	return dg.Wait()
}

func decodePayload(p plannedEntry, threshold int64) (*intermediateFile, error) {
	r, closers, err := buildEntryPipeline(io.LimitReader(p.spool, int64(p.entry.CompressedSize)), p.entry, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	plain, err := newIntermediateFile(int64(p.entry.UncompressedSize), threshold)
	if err != nil {
		return nil, err
	}

	if _, err = io.Copy(plain, r); err != nil {
		_ = plain.Remove()
		return nil, fmt.Errorf("decode entry (name=%s) error: %w", p.entry.Name, err)
	}
	if _, err = plain.Seek(0, io.SeekStart); err != nil {
		_ = plain.Remove()
		return nil, err
	}

	return plain, nil
}

// runWriters materialises plaintext spools on disk, healing a missing
// parent directory inline if the dir-maker has not reached it yet.
func runWriters(ctx context.Context, in <-chan plannedEntry, done *completedPaths, dir string, opts *ParallelOptions) error {
	wg, _ := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		wg.Go(func() error {
			for p := range in {
				err := writePayload(p, done, dir)
				_ = p.spool.Remove()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	return wg.Wait()
}

func writePayload(p plannedEntry, done *completedPaths, dir string) error {
	path := filepath.Join(dir, filepath.FromSlash(p.rel))
	perm := os.FileMode(p.entry.UnixMode())

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if errors.Is(err, os.ErrNotExist) {
		// raced ahead of the dir-maker; create the parents ourselves.
		if parent := filepath.Dir(filepath.FromSlash(p.rel)); parent != "." {
			if err = done.ensure(filepath.ToSlash(parent)); err != nil {
				return err
			}
		}
		dst, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	}
	if err != nil {
		return fmt.Errorf("create file (path=%s) error: %w", path, err)
	}

	_, err = io.Copy(dst, p.spool)
	if cerr := dst.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write file (path=%s) error: %w", path, err)
	}

	return os.Chmod(path, perm)
}

// completedPaths records the directories already created beneath the
// extraction root, so each ancestor is made at most once across workers.
type completedPaths struct {
	root string
	mu   sync.RWMutex
	seen map[string]struct{}
}

// ensure creates the directory chain for rel (slash-separated, relative to
// the root), parent first, skipping segments already recorded.
func (c *completedPaths) ensure(rel string) error {
	missing := c.missing(rel)
	if len(missing) == 0 {
		return nil
	}

	for _, m := range missing {
		err := os.Mkdir(filepath.Join(c.root, filepath.FromSlash(m)), 0o755)
		if err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create directory (path=%s) error: %w", m, err)
		}
	}

	c.mu.Lock()
	for _, m := range missing {
		c.seen[m] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// missing returns the ancestor chain of rel not yet recorded, parent first.
func (c *completedPaths) missing(rel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chain []string
	for p := rel; p != "." && p != ""; p = filepath.ToSlash(filepath.Dir(filepath.FromSlash(p))) {
		if _, ok := c.seen[p]; ok {
			break
		}
		chain = append(chain, p)
	}

	// reverse to parent-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
