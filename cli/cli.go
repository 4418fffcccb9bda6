// Package cli implements the eidsign command line: signing with the eID
// card, digest computation, signature verification and token inspection.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/georgepadayatti/eidsign/config"
	"github.com/georgepadayatti/eidsign/internal/logger"
	"github.com/spf13/cobra"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

// RootOptions are the flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Debug      bool
	LogJSON    bool
}

// AddFlags registers the persistent flags on cmd.
func (o *RootOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.ConfigPath, "config", "", "YAML configuration file")
	cmd.PersistentFlags().BoolVar(&o.Debug, "debug", false, "log at debug level and include traces in results")
	cmd.PersistentFlags().BoolVar(&o.LogJSON, "log-json", false, "write logs to stderr as JSON")
}

// loadConfig reads the configuration named by --config, or the defaults.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// ExitError carries a process exit code. A nil Err means the command has
// already reported the failure on stdout.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode implements the interface main checks for.
func (e *ExitError) ExitCode() int { return e.Code }

// New builds the root command.
func New() *cobra.Command {
	ro := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "eidsign",
		Short: "Sign PDF documents with a Belgian eID card.",
		Long: `eidsign signs PDF documents with the signature key of a Belgian eID
card (or any PKCS#11 token), as an incremental update that leaves the
original bytes untouched.

Examples:
  eidsign sign -i in.pdf -o out.pdf                 Visible signature on page 1
  echo '{"input_path":"in.pdf","output_path":"out.pdf"}' | eidsign sign --json
  eidsign digest in.pdf                             SHA-256 to pass as file_hash
  eidsign verify out.pdf                            Check embedded signatures
  eidsign token                                     List certificates on the card`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd.ErrOrStderr(), ro)
			return nil
		},
	}
	ro.AddFlags(cmd)

	cmd.AddCommand(newSignCommand(ro))
	cmd.AddCommand(newDigestCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newTokenCommand(ro))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func setupLogging(w io.Writer, ro *RootOptions) {
	logger.SetOutput(w, ro.LogJSON)
	if ro.Debug {
		logger.SetLevel(slog.LevelDebug)
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := New()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			failColor.Fprintf(stderr, "Error: %v\n", exit.Err)
		}
		return exit.Code
	}
	failColor.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// Run is the entry point used by main.
func Run() {
	os.Exit(Execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eidsign version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", BuildTime)
		},
	}
}
