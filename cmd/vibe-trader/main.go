// Command vibe-trader runs the autonomous futures trading agent.
package main

import (
	"context"
	"fmt"
	"os"

	"vibe-trader/internal/cli"
	"vibe-trader/internal/logging"
)

func main() {
	logger := logging.NewLogger()

	rootCmd := cli.NewRootCmd(logger)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
