// Package main is the entry point for the admp-hubd daemon.
package main

import (
	"os"

	"github.com/admp/hub/cmd/admp-hubd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
