// Command qplan derives query plans from repository method names.
package main

import (
	"os"

	"github.com/roach88/qplan/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
