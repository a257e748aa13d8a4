package main

import (
	"fmt"
	"os"

	"github.com/BadgerOps/gamesync/internal/failure"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", failure.Describe(err, verbose))
		os.Exit(1)
	}
}
