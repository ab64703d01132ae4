package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the root command and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	exitCode := 0
	cmd := newRootCmd(stdin, stdout, stderr, &exitCode)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer, exitCode *int) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mcp-postgres [connection-string]",
		Short: "Read-only database access over MCP",
		Long: `mcp-postgres serves read-only database access to an MCP client over stdin/stdout.

The connection string is taken from POSTGRES_DB_DSN, or from the first argument when the
variable is unset. postgres:// URLs and key=value strings select PostgreSQL; sqlite: and file:
prefixes or .db/.sqlite paths select SQLite.`,
		Version:       serverVersion,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(nil, args)
			if err != nil {
				return err
			}
			setDebug(cfg.Debug || debug)

			sessionID := uuid.NewString()
			log := newLogger(stderr, sessionID)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ctrl := NewController(cfg, sessionID, stdin, stdout, log)
			*exitCode = ctrl.Run(ctx)
			return nil
		},
	}

	cmd.SetIn(stdin)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging on stderr")

	return cmd
}
