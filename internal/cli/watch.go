package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	"github.com/devrev/flagsync/internal/logging"
	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/subscriber"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Path string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the flag list and reprint it on every change",
		Long: `Subscribe to flag change notifications and reload the full flag list
each time one arrives. The subscription does not reconnect; watch exits
when the server closes it.

Examples:
  flagctl watch
  flagctl watch --path /ws --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := watchLogger(opts.Verbose)
			defer logger.Sync()
			return runWatch(cmd.Context(), opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.Path, "path", "/ws", "WebSocket path on the server")

	return cmd
}

func watchLogger(verbose bool) *zap.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logging.New(config.LoggingConfig{Level: level, Format: "console", Output: "stderr"})
}

func runWatch(ctx context.Context, opts *WatchOptions, out io.Writer, logger *zap.Logger) error {
	client := NewClient(opts.Server, opts.Token)

	wsURL, err := client.WebSocketURL(opts.Path)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	reload := func(reason string) error {
		flags, err := client.ListFlags(ctx)
		if err != nil {
			return WrapExitError("failed to list flags", err)
		}
		if opts.Format == "text" {
			fmt.Fprintf(out, "# %s at %s\n", reason, time.Now().Format(time.RFC3339))
		}
		return writeFlags(out, opts.Format, flags)
	}

	// Pending changes coalesce: one reload covers any number of events.
	changes := make(chan model.EventType, 1)
	sub := subscriber.Subscribe(subscriber.Config{URL: wsURL, Token: opts.Token}, logger, func(event model.EventType) {
		select {
		case changes <- event:
		default:
		}
	})
	defer sub.Unsubscribe()

	if err := reload("initial"); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			<-sub.Done()
			return nil

		case event := <-changes:
			if err := reload(string(event)); err != nil {
				return err
			}

		case <-sub.Done():
			select {
			case event := <-changes:
				if err := reload(string(event)); err != nil {
					return err
				}
			default:
			}
			return NewExitError(ExitFailure, "subscription closed")
		}
	}
}
