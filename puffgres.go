package main

import (
	"os"

	"github.com/lucasgelfond/puffgres/cli"
)

func main() {
	os.Exit(cli.Execute())
}
