// Package cmd holds the feedctl commands.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalFlags struct {
	apiURL  string
	pushURL string
	token   string
	scope   string
	timeout time.Duration
	verbose bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "feedctl",
	Short: "Command line client for chat feeds",
	Long: `feedctl reads and writes the message feed of a channel or direct
conversation through feed-api and follows live events from feed-push.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

// Execute runs the root command; it is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.apiURL, "api", envOr("FEED_API", "http://127.0.0.1:8080"), "feed-api base URL")
	pf.StringVar(&flags.pushURL, "push", envOr("FEED_PUSH", "ws://127.0.0.1:7001/ws"), "feed-push websocket URL")
	pf.StringVar(&flags.token, "token", os.Getenv("FEED_TOKEN"), "access token")
	pf.StringVarP(&flags.scope, "scope", "s", "", "channel or conversation id")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireScope() error {
	if flags.scope == "" {
		return fmt.Errorf("--scope is required")
	}
	return nil
}

func logger() *zap.Logger {
	if !flags.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
