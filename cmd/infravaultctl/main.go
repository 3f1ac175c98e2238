// Command infravaultctl is the command-line client for an infravault server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/mbd888/infravault/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || !exitErr.Reported {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
