package main

import (
	"os"

	"gardend/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
