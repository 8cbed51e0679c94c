package main

import (
	"fmt"
	"os"

	"github.com/aristath/folio/internal/cli"
	"github.com/aristath/folio/internal/domain"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(domain.ExitCode(err))
	}
}
