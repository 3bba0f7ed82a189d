package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsdiag/agentcore/internal/agent"
	"github.com/opsdiag/agentcore/internal/config"
	"github.com/opsdiag/agentcore/internal/store"
)

const defaultBaseDirName = ".agentcore"

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultBaseDirName
	}
	return filepath.Join(home, defaultBaseDirName)
}

// buildRootCmd assembles the command tree. Separated from main() so tests
// can exercise it without calling os.Exit.
func buildRootCmd() *cobra.Command {
	var (
		configPath string
		baseDir    string
	)

	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Operate and inspect agentcore sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agentcore.yaml", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&baseDir, "base-dir", defaultBaseDir(), "Base directory for sessions.db, artifacts/, audit.jsonl")

	root.AddCommand(
		buildStartCmd(&baseDir),
		buildTurnCmd(&configPath, &baseDir),
		buildSessionsCmd(&baseDir),
		buildReplayCmd(&baseDir),
		buildExportCmd(&baseDir),
		buildToolsCmd(&configPath, &baseDir),
		buildChatCmd(&configPath, &baseDir),
	)
	return root
}

func loadConfig(configPath string) (config.Config, error) {
	return config.Resolve(configPath)
}

// buildStartCmd implements the public API's session.start() → session_id.
func buildStartCmd(baseDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a new session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(*baseDir, "sessions.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.StartSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// buildTurnCmd implements the public API's orchestrator.turn(session_id,
// user_text), rendering the resulting StreamChunk sequence to stdout.
func buildTurnCmd(configPath, baseDir *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "turn <text>",
		Short: "Send one user turn to a session and stream the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			metrics := agent.NewMetrics()
			rt, err := buildRuntime(cfg, *baseDir, metrics, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := sessionID
			if id == "" {
				id, err = rt.store.StartSession(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", id)
			}

			return runTurn(cmd.Context(), rt.orchestrator, id, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Existing session id (creates one if omitted)")
	return cmd
}

func runTurn(ctx context.Context, orch *agent.Orchestrator, sessionID, prompt string, out io.Writer) error {
	var finalErr error
	for chunk := range orch.Run(ctx, sessionID, prompt) {
		switch chunk.Kind {
		case agent.ChunkTextDelta:
			fmt.Fprint(out, chunk.Text)
		case agent.ChunkToolCallStarted:
			fmt.Fprintf(out, "\n[tool call] %s\n", chunk.ToolName)
		case agent.ChunkPolicyDecision:
			fmt.Fprintf(out, "[policy] %s (%s)\n", chunk.PolicyDecision.Verdict, chunk.PolicyDecision.Reason)
		case agent.ChunkToolResult:
			fmt.Fprintf(out, "[result] %s: %s\n", chunk.ToolResult.Status, chunk.ToolResult.Output)
		case agent.ChunkTurnComplete:
			fmt.Fprintf(out, "\n[turn complete, %d round-trips]\n", chunk.Turn)
		case agent.ChunkError:
			finalErr = chunk.Err
		}
	}
	return finalErr
}

func buildSessionsCmd(baseDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(*baseDir, "sessions.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			sessions, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
	return cmd
}

// buildReplayCmd prints a session's event log in chronological order —
// the operator-facing way to inspect exactly what the machine decided.
func buildReplayCmd(baseDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Print a session's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(*baseDir, "sessions.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Export(cmd.Context(), args[0], store.FormatEventsJSONL, cmd.OutOrStdout())
		},
	}
}

// buildExportCmd implements the public API's store.export(session_id,
// format).
func buildExportCmd(baseDir *string) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as events_jsonl or runbook_markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(filepath.Join(*baseDir, "sessions.db"))
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Export(cmd.Context(), args[0], store.Format(format), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&format, "format", string(store.FormatEventsJSONL), "events_jsonl or runbook_markdown")
	return cmd
}

func buildToolsCmd(configPath, baseDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			metrics := agent.NewMetrics()
			rt, err := buildRuntime(cfg, *baseDir, metrics, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			for _, tool := range rt.registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", tool.Name(), tool.Risk(), tool.Description())
			}
			return nil
		},
	}
}

// buildChatCmd runs a multi-turn REPL against one session, the one place
// in this CLI where a long enough process lifetime makes config
// hot-reload worth wiring: the config file is watched for the whole
// conversation, and each turn picks up the latest policy settings
// before the gate decides anything.
func buildChatCmd(configPath, baseDir *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive multi-turn session with config hot-reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			watcher, err := config.NewWatcher(*configPath, slog.Default())
			if err != nil {
				return err
			}
			defer watcher.Close()

			metrics := agent.NewMetrics()
			rt, err := buildRuntime(watcher.Current(), *baseDir, metrics, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := sessionID
			if id == "" {
				id, err = rt.store.StartSession(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", id)
			}

			in := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			for {
				fmt.Fprint(out, "> ")
				if !in.Scan() {
					return in.Err()
				}
				line := in.Text()
				switch {
				case line == "":
					continue
				case strings.HasPrefix(line, "/switch "):
					name := strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
					provider, err := buildNamedProvider(watcher.Current(), name)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "switch failed: %v\n", err)
						continue
					}
					if err := rt.orchestrator.SwitchProvider(cmd.Context(), id, provider); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "switch failed: %v\n", err)
					}
					continue
				}
				rt.gate.SetConfig(watcher.Current().ToPolicyConfig())
				if err := runTurn(cmd.Context(), rt.orchestrator, id, line, out); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "turn error: %v\n", err)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Existing session id (creates one if omitted)")
	return cmd
}
