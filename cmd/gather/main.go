// Package main is the entry point for the gather CLI.
package main

import (
	"os"

	"github.com/gathersocial/gather/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
