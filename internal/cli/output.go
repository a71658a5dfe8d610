package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/devrev/flagsync/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // request rejected by flagd
	ExitCommandError = 2 // bad flags or unreachable server
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err, choosing ExitFailure for errors reported by
// flagd and ExitCommandError for everything else.
func WrapExitError(message string, err error) *ExitError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &ExitError{Code: ExitFailure, Message: message, Err: err}
	}
	return &ExitError{Code: ExitCommandError, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// writeValue renders v as json or yaml
func writeValue(w io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// writeFlags prints flags in the requested format
func writeFlags(w io.Writer, format string, flags []*model.Flag) error {
	if flags == nil {
		flags = []*model.Flag{}
	}
	if format != "text" {
		return writeValue(w, format, flags)
	}

	if len(flags) == 0 {
		_, err := fmt.Fprintln(w, "No flags.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENVIRONMENT\tENABLED\tTAGS")
	for _, f := range flags {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", f.ID, f.Name, f.Environment, f.Enabled, strings.Join(f.Tags, ","))
	}
	return tw.Flush()
}
