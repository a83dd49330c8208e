// Package main is the posync binary: the offline POS engine with its
// local API and caching proxy.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(GetExitCode(err))
	}
}
