package main

import (
	"os"

	"github.com/hscic/go-spine/cmd/spinemhs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
