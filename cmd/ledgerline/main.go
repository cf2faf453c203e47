// Command ledgerline reconstructs chat timelines from ledger transactions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgerline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
