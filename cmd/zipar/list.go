package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/nddang/zipar"
)

// ListCommand prints the entries of an archive.
type ListCommand struct {
	Args struct {
		Archive flags.Filename `positional-arg-name:"archive" required:"yes"`
	} `positional-args:"yes"`
}

func (c *ListCommand) Execute([]string) error {
	a, err := zipar.OpenArchive(string(c.Args.Archive))
	if err != nil {
		return fmt.Errorf("open archive error: %w", err)
	}
	defer a.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMETHOD\tSIZE\tPACKED\tMODIFIED")
	for i := 0; i < a.Len(); i++ {
		e, _ := a.Entry(i)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Name,
			e.Method,
			humanize.IBytes(e.UncompressedSize),
			humanize.IBytes(e.CompressedSize),
			e.Modified.Time().Format("2006-01-02 15:04:05"),
		)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	if comment := a.Comment(); len(comment) > 0 {
		fmt.Printf("comment: %s\n", comment)
	}
	if off := a.Offset(); off != 0 {
		fmt.Printf("archive starts at offset %d (%s of prepended data)\n", off, humanize.IBytes(off))
	}
	return nil
}
