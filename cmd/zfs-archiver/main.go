package main

import (
	"os"

	"github.com/raoulx24/zfs-archiver/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
