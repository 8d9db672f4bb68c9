package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/sandbox/internal/infrastructure/logging"
)

type rootOptions struct {
	server   string
	timeout  time.Duration
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Manage sandbox sessions and attach to their consoles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("SANDBOX_SERVER", "http://localhost:8080"), "session server base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for client diagnostics")

	rootCmd.AddCommand(
		newCreateCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newExecCmd(opts),
		newStopCmd(opts),
		newConsoleCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) api() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

func (o *rootOptions) logger() *zap.Logger {
	l, err := logging.New(logging.CLIConfig(o.logLevel))
	if err != nil {
		return zap.NewNop()
	}
	return l.Logger
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		cfg     session.ContainerConfig
		secrets []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseSecrets(secrets)
			if err != nil {
				return err
			}
			cfg.Secrets = parsed

			resp, err := opts.api().create(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\t%s\n", resp.Session.ID, resp.Session.Status, resp.Session.Mode)
			fmt.Fprintf(out, "websocket: %s\n", resp.WebSocket)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.SessionID, "id", "", "session id (generated when empty)")
	cmd.Flags().BoolVar(&cfg.TTY, "tty", false, "create an interactive console session")
	cmd.Flags().StringVar(&cfg.Image, "image", "", "container image override")
	cmd.Flags().StringVar(&cfg.RepoURL, "repo", "", "repository to clone")
	cmd.Flags().StringVar(&cfg.Branch, "branch", "", "branch to work on")
	cmd.Flags().StringVar(&cfg.BaseBranch, "base-branch", "", "branch to start from")
	cmd.Flags().StringVar(&cfg.User.Name, "user-name", "", "git user name")
	cmd.Flags().StringVar(&cfg.User.Email, "user-email", "", "git user email")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "secret as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&cfg.MemoryLimit, "memory", "", "memory limit, for example 2g")
	cmd.Flags().Int64Var(&cfg.CPUShares, "cpu-shares", 0, "relative CPU weight")
	cmd.Flags().StringArrayVar(&cfg.Cmd, "cmd", nil, "container command (repeatable)")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := opts.api().list(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions, time.Now())
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.api().get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), []session.Session{s}, time.Now())
		},
	}
}

func newExecCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <session-id> -- <command> [args...]",
		Short: "Run a command in a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.api().exec(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), resp.Stderr)
			if resp.TimedOut {
				return fmt.Errorf("command timed out")
			}
			return nil
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a session and remove its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.api().stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

func printSessions(w io.Writer, sessions []session.Session, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tCREATED\tERROR")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Mode, humanize.RelTime(s.CreatedAt, now, "ago", "from now"), s.Error)
	}
	return tw.Flush()
}

// parseSecrets turns KEY=VALUE pairs into a map. Values may contain '='.
func parseSecrets(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid secret %q: want KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func parseUint16(s string, fallback uint16) uint16 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || v == 0 {
		return fallback
	}
	return uint16(v)
}
