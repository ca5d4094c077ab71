// Command call-relay runs the call-session relay.
//
// Usage:
//
//	call-relay serve [--addr :8080]
//	call-relay migrate
//	call-relay cache dump [--dir path]
//
// Settings come from RELAY_* environment variables, optionally loaded from
// the files named by --env-file (default .env).
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-go/call-relay/internal/dotenv"
)

func newRootCommand(ctx context.Context, stdout, stderr io.Writer, deps serveDeps) *cobra.Command {
	var envFiles []string
	root := &cobra.Command{
		Use:           "call-relay",
		Short:         "Voice call relay orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return dotenv.Load(envFiles...)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetContext(ctx)
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load, earlier files win")

	root.AddCommand(newServeCommand(stderr, deps))
	root.AddCommand(newMigrateCommand(stderr, deps))
	root.AddCommand(newCacheCommand(stdout))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps serveDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCommand(ctx, stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "call-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultServeDeps()))
}
