package main

import (
	"os"

	"github.com/psantana5/resident/cmd/resident/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
