// Command toolrun executes tool specs: actions, workflows, retries and
// resumes, plus join, link and timeline utilities.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/roach88/toolrun/internal/cli"
)

func main() {
	// Integration tokens are usually kept in .env next to toolrun.yaml.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "toolrun: load .env: %v\n", err)
		os.Exit(cli.ExitCommandError)
	}

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "toolrun: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
