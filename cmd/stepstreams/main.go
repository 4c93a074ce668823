// Package main implements the stepstreams command: it runs the configured
// pipelines as stream consumers, invokes them once (optionally fully in
// memory), replays stored records, and validates or draws pipeline
// definitions.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, overridden with -ldflags at release time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "stepstreams"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Step pipelines over durable streams",
		Long: `stepstreams runs pipelines of steps, concurrent collectors and fan-out
stages. A shuffle stage publishes to a stream; the rest of the pipeline
resumes in a consumer group reading that stream.

Configuration is read from one or more JSON or YAML files (--config, later
files override earlier ones) and from STEPSTREAMS_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)

	root.AddCommand(runCmd(flags))
	root.AddCommand(invokeCmd(flags))
	root.AddCommand(replayCmd(flags))
	root.AddCommand(validateCmd(flags))
	root.AddCommand(graphCmd(flags))
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
		},
	}
}
