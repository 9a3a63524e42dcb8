// Command golem-oplog inspects and maintains durable worker oplogs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/golemexec/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
