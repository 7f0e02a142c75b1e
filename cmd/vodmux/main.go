// Package main is the entry point for the vodmux application.
package main

import (
	"os"

	"github.com/vodmux/vodmux/cmd/vodmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
