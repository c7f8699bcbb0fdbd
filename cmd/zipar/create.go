package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/nddang/zipar"
	"github.com/schollz/progressbar/v3"
)

// CreateCommand composes an archive from files and directories.
type CreateCommand struct {
	Store   bool   `short:"0" long:"store" description:"store entries without compression"`
	Level   int    `short:"L" long:"level" description:"deflate compression level (1-9)"`
	Comment string `long:"comment" description:"archive comment"`

	Args struct {
		Archive flags.Filename   `positional-arg-name:"archive" required:"yes"`
		Paths   []flags.Filename `positional-arg-name:"path" required:"yes"`
	} `positional-args:"yes"`
}

func (c *CreateCommand) Execute([]string) error {
	f, err := os.Create(string(c.Args.Archive))
	if err != nil {
		return fmt.Errorf("create archive error: %w", err)
	}
	defer f.Close()

	w := zipar.NewWriter(f)
	if c.Comment != "" {
		if err = w.SetComment(c.Comment); err != nil {
			return err
		}
	}

	method := zipar.Deflate
	if c.Store {
		method = zipar.Store
	}

	for _, p := range c.Args.Paths {
		if err = c.addPath(w, string(p), method); err != nil {
			return err
		}
	}

	if err = w.Finish(); err != nil {
		return fmt.Errorf("finish archive error: %w", err)
	}
	return f.Sync()
}

func (c *CreateCommand) addPath(w *zipar.Writer, root string, method zipar.Method) error {
	fi, err := os.Stat(root)
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		return c.addFile(w, root, filepath.Base(root), method, fi)
	}

	base := filepath.Base(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(base, rel))

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return w.AddDir(name, zipar.WithPerm(info.Mode().Perm()))
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return c.addFile(w, path, name, method, info)
	})
}

func (c *CreateCommand) addFile(w *zipar.Writer, path, name string, method zipar.Method, fi os.FileInfo) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	optFns := []func(*zipar.FileOptions){
		zipar.WithMethod(method),
		zipar.WithPerm(fi.Mode().Perm()),
		zipar.WithModified(zipar.DosTimeFromTime(fi.ModTime())),
	}
	if c.Level != 0 {
		optFns = append(optFns, zipar.WithLevel(c.Level))
	}
	if fi.Size() >= 1<<32 {
		optFns = append(optFns, zipar.WithLargeFile())
	}

	dst, err := w.Create(name, optFns...)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(fi.Size(), name)
	defer bar.Close()

	_, err = io.Copy(io.MultiWriter(dst, bar), src)
	return err
}
