package main

import (
	"os"

	"github.com/jra3/fspolicy/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
