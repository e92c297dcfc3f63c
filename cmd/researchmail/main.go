// Package main provides the researchmail CLI.
package main

import (
	"os"

	"github.com/hupe1980/researchmail/internal/cli"
)

// Build vars.
var (
	//nolint: gochecknoglobals
	Version = "dev"
)

func main() {
	os.Exit(cli.Execute(Version))
}
