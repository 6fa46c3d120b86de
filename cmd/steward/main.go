// Command steward drives agent workflows against a GitHub repository:
// it files issues, resolves them with one or more agents, and reviews pull
// requests.
package main

import (
	"errors"
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var failed *runFailedError
		if !errors.As(err, &failed) {
			fmt.Fprintln(os.Stderr, errorStyle.Sprint("ERROR: ")+err.Error())
		}
		os.Exit(1)
	}
}
