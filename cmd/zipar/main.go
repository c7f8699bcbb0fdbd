package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

var opts struct {
	List    ListCommand    `command:"list" alias:"ls" description:"list the entries of an archive"`
	Extract ExtractCommand `command:"extract" alias:"x" description:"extract an archive to a directory"`
	Create  CreateCommand  `command:"create" alias:"c" description:"create an archive from files and directories"`
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil && !flags.WroteHelp(err) {
		os.Exit(1)
	}
}
