package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Email    string
	Password string
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and print a session token",
		Long: `Sign in to flagd and print the session token.

Export the token as FLAGSYNC_TOKEN or pass it with --token to the other
commands.

Examples:
  flagctl login --email ops@example.com --password secret
  export FLAGSYNC_TOKEN=$(flagctl login --email ops@example.com)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&opts.Password, "password", "", "account password (defaults to $FLAGSYNC_PASSWORD)")

	return cmd
}

func runLogin(opts *LoginOptions, cmd *cobra.Command) error {
	password := opts.Password
	if password == "" {
		password = os.Getenv("FLAGSYNC_PASSWORD")
	}
	if password == "" {
		return NewExitError(ExitCommandError, "a password is required (--password or FLAGSYNC_PASSWORD)")
	}

	client := NewClient(opts.Server, "")
	token, err := client.Login(cmd.Context(), opts.Email, password)
	if err != nil {
		return WrapExitError("login failed", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "text" {
		fmt.Fprintln(out, token)
		return nil
	}
	return writeValue(out, opts.Format, map[string]string{"token": token})
}
