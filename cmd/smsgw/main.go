package main

import (
	"fmt"
	"os"

	"github.com/relaysms/gateway/internal/cli"
)

// Set by the release build at link time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.SetVersion(version, commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
