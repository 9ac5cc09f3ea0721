package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Timeout time.Duration
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitSagaFailed   = 1 // the saga ended in failure
	ExitCommandError = 2 // transport, validation or server errors
)

// NewRootCommand creates the root command for trellisctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "trellisctl",
		Short: "Drive order fulfillment sagas",
		Long:  "Start, signal and inspect order fulfillment sagas through the trellis HTTP API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("TRELLIS_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr, "trellis HTTP address")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "request-timeout", 10*time.Second, "per-request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewAddressCommand(opts))
	cmd.AddCommand(NewApproveCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewAwaitCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == 422 {
		return ExitSagaFailed
	}
	return ExitCommandError
}

func (o *RootOptions) client() *Client {
	// Result waits server-side, so the transport timeout is applied per call.
	return NewClient(o.Addr, 0)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
