package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	httpapi "trellis/internal/adapters/http"
	"trellis/internal/orders"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	PaymentID string
	Items     string
	Address   string
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <order-id>",
		Short: "Start an order saga",
		Long: `Start an order saga.

Example:
  trellisctl start order-1 --payment-id pay-1 --items '[{"sku":"mug","qty":2}]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startOrder(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.PaymentID, "payment-id", "", "payment identifier (required)")
	cmd.Flags().StringVar(&opts.Items, "items", "[]", "order items as a JSON array")
	cmd.Flags().StringVar(&opts.Address, "address", "{}", "shipping address as a JSON object")
	_ = cmd.MarkFlagRequired("payment-id")

	return cmd
}

func startOrder(cmd *cobra.Command, opts *StartOptions, orderID string) error {
	var req httpapi.StartOrderRequest
	req.PaymentID = opts.PaymentID
	if err := json.Unmarshal([]byte(opts.Items), &req.Items); err != nil {
		return fmt.Errorf("invalid --items JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(opts.Address), &req.Address); err != nil {
		return fmt.Errorf("invalid --address JSON: %w", err)
	}

	ctx, cancel := opts.callContext(cmd, 0)
	defer cancel()
	resp, err := opts.client().Start(ctx, orderID, req)
	if err != nil {
		return err
	}
	return opts.print(cmd.OutOrStdout(), resp, fmt.Sprintf("started %s (run %s)", resp.WorkflowID, resp.RunID))
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Signal an order saga to cancel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.callContext(cmd, 0)
			defer cancel()
			if err := rootOpts.client().Cancel(ctx, args[0], reason); err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), httpapi.OKResponse{OK: true}, "cancel requested for "+args[0])
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

// NewAddressCommand creates the address command.
func NewAddressCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "address <order-id> <address-json>",
		Short: "Signal an order saga with a new shipping address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr orders.Address
			if err := json.Unmarshal([]byte(args[1]), &addr); err != nil {
				return fmt.Errorf("invalid address JSON: %w", err)
			}
			if addr == nil {
				return fmt.Errorf("address must be a JSON object")
			}
			ctx, cancel := rootOpts.callContext(cmd, 0)
			defer cancel()
			if err := rootOpts.client().UpdateAddress(ctx, args[0], addr); err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), httpapi.OKResponse{OK: true}, "address update sent to "+args[0])
		},
	}
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <order-id>",
		Short: "Approve an order waiting in manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.callContext(cmd, 0)
			defer cancel()
			if err := rootOpts.client().Approve(ctx, args[0]); err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), httpapi.OKResponse{OK: true}, "approved "+args[0])
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show an order saga's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.callContext(cmd, 0)
			defer cancel()
			st, err := rootOpts.client().Status(ctx, args[0])
			if err != nil {
				return err
			}
			text := fmt.Sprintf("step=%s approved=%t canceled=%t", st.Step, st.Approved, st.Canceled)
			if st.DispatchFailedReason != nil {
				text += " dispatch_failed=" + *st.DispatchFailedReason
			}
			return rootOpts.print(cmd.OutOrStdout(), st, text)
		},
	}
}

// NewAwaitCommand creates the await command.
func NewAwaitCommand(rootOpts *RootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:     "await <order-id>",
		Aliases: []string{"result"},
		Short:   "Wait for an order saga's result",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.callContext(cmd, wait)
			defer cancel()
			result, err := rootOpts.client().Result(ctx, args[0], wait)
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), httpapi.ResultResponse{Result: result}, result)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long the server waits for the saga to finish")
	return cmd
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <order-id>",
		Short: "List an order's audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.callContext(cmd, 0)
			defer cancel()
			events, err := rootOpts.client().Events(ctx, args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			for _, ev := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n", ev.ID, ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.Payload)
			}
			return nil
		},
	}
}

// callContext bounds one API call. extra extends the bound for calls that
// block server-side.
func (o *RootOptions) callContext(cmd *cobra.Command, extra time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout+extra)
}

func (o *RootOptions) print(w io.Writer, v any, text string) error {
	if o.Format == "json" {
		return writeJSON(w, v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
