package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"homescout/internal/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	// Logs do runtime só com HOMESCOUT_DEBUG; a saída do comando vai para stdout
	if os.Getenv("HOMESCOUT_DEBUG") == "" {
		log.SetOutput(io.Discard)
	}

	root := cli.NewRootCmd(cli.DefaultOpener)
	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("homescoutctl version %s\n", version))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
