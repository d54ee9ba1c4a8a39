// Package main is the single-binary entrypoint for roastd.
package main

import "github.com/roast-network/roastd/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
