package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/nddang/zipar"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

// ExtractCommand extracts an archive to a directory.
type ExtractCommand struct {
	Dir       string `short:"d" long:"dir" description:"output directory" default:"."`
	Password  string `short:"P" long:"password" description:"password for encrypted entries"`
	Parallel  bool   `short:"p" long:"parallel" description:"extract entries concurrently"`
	LimitRate uint64 `short:"l" long:"limit-rate" description:"limit extraction throughput in bytes per second (sequential mode only)"`

	Args struct {
		Archive flags.Filename `positional-arg-name:"archive" required:"yes"`
	} `positional-args:"yes"`
}

func (c *ExtractCommand) Execute([]string) error {
	a, err := zipar.OpenArchive(string(c.Args.Archive))
	if err != nil {
		return fmt.Errorf("open archive error: %w", err)
	}
	defer a.Close()

	if c.Parallel {
		if c.Password != "" || c.LimitRate != 0 {
			return fmt.Errorf("--parallel cannot be combined with --password or --limit-rate")
		}
		return a.ExtractParallel(c.Dir)
	}

	var limiter *rate.Limiter
	if c.LimitRate != 0 {
		limiter = rate.NewLimiter(rate.Limit(c.LimitRate), int(min(c.LimitRate, 1<<20)))
	}

	ctx := context.Background()
	var password []byte
	if c.Password != "" {
		password = []byte(c.Password)
	}

	for i := 0; i < a.Len(); i++ {
		e, _ := a.Entry(i)
		rel, ok := e.EnclosedName()
		if !ok {
			return fmt.Errorf("entry %q has an unsafe name", e.Name)
		}

		path := filepath.Join(c.Dir, filepath.FromSlash(rel))
		if e.IsDir() {
			if err = os.MkdirAll(path, os.FileMode(e.UnixMode())); err != nil {
				return err
			}
			continue
		}
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		if err = c.extractOne(ctx, a, i, path, password, limiter); err != nil {
			return err
		}
	}
	return nil
}

func (c *ExtractCommand) extractOne(ctx context.Context, a *zipar.Archive, i int, path string, password []byte, limiter *rate.Limiter) error {
	er, err := a.ByIndexDecrypt(i, password)
	if err != nil {
		return fmt.Errorf("open entry error: %w", err)
	}
	defer er.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(er.Entry.UnixMode()))
	if err != nil {
		return err
	}
	defer dst.Close()

	bar := progressbar.DefaultBytes(int64(er.Entry.UncompressedSize), er.Entry.Name)
	defer bar.Close()

	var src io.Reader = er
	if limiter != nil {
		src = &throttledReader{ctx: ctx, r: er, limiter: limiter}
	}

	_, err = io.Copy(io.MultiWriter(dst, bar), src)
	return err
}

// throttledReader paces reads through a token-bucket limiter.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}
