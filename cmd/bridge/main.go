// Command bridge reads batch recipes off a PLC handshake, writes them to a
// Postgres table, and falls back to a durable local buffer when the
// database is unreachable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "PLC-to-database batch bridge",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newRecoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
