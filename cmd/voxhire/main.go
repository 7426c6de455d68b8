// Command voxhire runs automated technical interviews: it fuses candidate
// speech, code-editor telemetry, and the interviewer model into a live
// session, and consolidates each session into an outcome document.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voxhire/voxhire/internal/agentrt"
	"github.com/voxhire/voxhire/internal/config"
	"github.com/voxhire/voxhire/internal/control"
	"github.com/voxhire/voxhire/internal/outcome"
	"github.com/voxhire/voxhire/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// Exit codes: 0 on success, 1 for user errors (bad flags, no such session,
// missing artifacts), 2 for internal failures.
func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voxhire:", err)
		if isUserError(err) {
			return 1
		}
		return 2
	}
	return 0
}

// errUsage marks errors caused by the caller rather than the system.
var errUsage = errors.New("invalid usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func isUserError(err error) bool {
	return errors.Is(err, errUsage) ||
		errors.Is(err, session.ErrInvalidInput) ||
		errors.Is(err, session.ErrAlreadyRunning) ||
		errors.Is(err, control.ErrNoSession) ||
		errors.Is(err, os.ErrNotExist)
}

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "voxhire",
		Short:         "Automated technical interview orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml",
		"path to the YAML configuration file")

	root.AddCommand(c.runCmd(), c.statusCmd(), c.stopCmd(), c.consolidateCmd())
	return root
}

// setup loads the environment and configuration. A missing default config
// file falls back to the documented defaults so the control subcommands work
// out of the box; an explicitly named file must exist.
func (c *cli) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()

	cfg, err := config.Load(c.configPath)
	switch {
	case err == nil:
		c.cfg = cfg
	case errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config"):
		c.cfg = config.Defaults()
	default:
		return err
	}

	slog.SetDefault(newLogger(c.cfg.Server.LogLevel))
	return nil
}

func (c *cli) runCmd() *cobra.Command {
	var (
		candidate string
		mode      string
		question  string
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interview session and block until it ends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.runSession(ctx, session.Params{
				CandidateID: candidate,
				Mode:        agentrt.Mode(mode),
				QuestionID:  question,
				Duration:    duration,
			})
		},
	}
	cmd.Flags().StringVar(&candidate, "candidate", "", "candidate identifier (required)")
	_ = cmd.MarkFlagRequired("candidate")
	cmd.Flags().StringVar(&mode, "mode", string(agentrt.ModeFriendly),
		"interviewer persona: friendly or challenging")
	cmd.Flags().StringVar(&question, "question", "",
		"coding question id substituted into the editor URL template")
	cmd.Flags().DurationVar(&duration, "duration", 0,
		"override the configured maximum interview length")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the running session's state and timing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client := control.NewClient(control.SocketPath(c.cfg.DataRoot))
			data, err := client.Status(ctx, sessionID)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the current session)")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "End the running session and print its outcome document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Stopping waits for teardown and consolidation.
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			client := control.NewClient(control.SocketPath(c.cfg.DataRoot))
			data, err := client.Stop(ctx, sessionID)
			if err != nil {
				return err
			}
			return printJSON(data)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the current session)")
	return cmd
}

func (c *cli) consolidateCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Rebuild a session's outcome document from its event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID == "" {
				return usageErrorf("--session is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			var agent *agentrt.Runtime
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			if name := c.cfg.Providers.LLM.Name; name != "" {
				p, err := reg.CreateLLM(c.cfg.Providers.LLM)
				if err != nil {
					slog.Warn("review model unavailable, consolidating without it",
						"provider", name, "error", err)
				} else {
					agent = agentrt.New(p,
						agentrt.WithTimeout(c.cfg.Agent.LLMTimeout.Std()),
						agentrt.WithSchemaRetries(c.cfg.Agent.SchemaRetries))
				}
			}

			doc, err := session.Rebuild(ctx, c.cfg, agent, sessionID)
			if err != nil {
				return err
			}
			fmt.Printf("outcome written to %s\n", outcome.OutcomePath(c.cfg.DataRoot, sessionID))
			fmt.Printf("recommendation: %s (overall %.1f)\n", doc.Recommendation, doc.Scores.Overall)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
	return cmd
}

func printJSON(data json.RawMessage) error {
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return nil
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
