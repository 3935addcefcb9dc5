package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream BFD session events",
		Long:  "Connects to the corebfd daemon and streams session events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := cli.watch(ctx, func(event notifyWire) error {
				out, fmtErr := formatEvent(event, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}
				fmt.Println(out)
				return nil
			})
			// Context cancellation (Ctrl+C) is expected, not an error.
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch session events: %w", err)
			}
			return nil
		},
	}

	return cmd
}
