// Package cli implements the folio command tree. Every command
// bootstraps the same App and maps its error to the process exit code
// contract (0 ok, 1 business error, 2 data-store error, 3 other).
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "folio",
	Short:         "Personal portfolio tracker and market-data platform",
	Long:          "folio ingests market data, tracks positions lot by lot, values them daily and runs a technical/fundamental analysis pipeline.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		downloadCmd,
		queryCmd,
		analyzeCmd,
		buyCmd,
		sellCmd,
		positionsCmd,
		lotsCmd,
		salesCmd,
		calculatePnLCmd,
		batchCalculateCmd,
		taxReportCmd,
		rebalanceSimulateCmd,
		serveCmd,
		backupCmd,
	)
}

// Execute runs the command tree and returns the terminal error, if any.
func Execute() error {
	return rootCmd.Execute()
}

// withApp bootstraps the application, runs fn and closes the database
// afterwards. Shared by every command except serve, which manages its
// own lifecycle.
func withApp(fn func(app *App) error) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

// printJSON writes v to stdout as indented JSON. Command output is
// JSON so it can be piped; logs go to stderr.
func printJSON(v interface{}) error {
	return jsonEncoder(os.Stdout).Encode(v)
}

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
