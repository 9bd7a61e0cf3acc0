// Command switchsync reconciles P4Runtime switches against a policy store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/switchsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
