// Package main is the single-binary entrypoint for meshnode.
package main

import "github.com/meshwork/meshnode/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
