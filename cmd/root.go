// Package cmd implements the ttyd-mux CLI surface: `serve` runs the
// daemon in the current process (with `--foreground` its logs are also
// mirrored to stderr), `version` prints build metadata. Grounded on the teacher's flag-based main.go, generalized
// to cobra the way davebream-mcpl's cmd package structures a daemon
// launcher (root.Execute / daemon subcommand / version subcommand).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ttyd-mux",
	Short: "Terminal-session multiplexer daemon",
	Long:  "ttyd-mux spawns and proxies per-directory web terminal servers behind one base path, with shareable read-only links.",
}

// Execute runs the CLI; called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
