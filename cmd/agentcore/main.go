// Command agentcore is a minimal CLI front-end over the orchestrator, tool
// registry, policy engine, and session store. It is thin, replaceable
// glue — the windowed terminal UI and any richer front-end are expected to
// wrap the same public API this binary calls directly.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
