// Command pluginrpc-demo is a thin CLI over the pluginrpc package,
// demonstrating a host spawning a plugin child process and talking to
// it over the child's stdin/stdout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pluginrpc-demo",
	Short: "Demo host and plugin binaries for the pluginrpc connection engine",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
