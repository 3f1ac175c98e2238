package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/mbd888/infravault/pkg/client"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The server rejected the operation
	ExitCommandError = 2 // Bad flags or arguments, server unreachable
)

var (
	colorOK      = color.New(color.FgGreen, color.Bold)
	colorPending = color.New(color.FgYellow)
	colorFail    = color.New(color.FgRed, color.Bold)
	colorDim     = color.New(color.FgCyan)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error

	// Reported is set when the error was already written to the output.
	Reported bool
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

// GetExitCode extracts the exit code from an error.
// API rejections map to ExitFailure, everything else to ExitCommandError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		return ExitFailure
	}
	return ExitCommandError
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for --format json.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError carries the server's error kind.
type CLIError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result prints data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Result(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail reports err and returns it wrapped with its exit code.
func (f *OutputFormatter) Fail(err error) error {
	kind, msg := "error", err.Error()
	var apiErr *client.Error
	if errors.As(err, &apiErr) {
		kind, msg = apiErr.Kind, apiErr.Message
	}
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Kind: kind, Message: msg},
		})
	} else {
		fmt.Fprintf(f.errWriter(), "%s %s: %s\n", colorFail.Sprint("Error"), kind, msg)
	}
	return &ExitError{Code: GetExitCode(err), Message: kind, Err: err, Reported: true}
}

// VerboseLog writes to the error stream when --verbose is set, so JSON
// output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func statusColor(status string) *color.Color {
	switch status {
	case client.StatusRevealed, client.StatusAnalyzed:
		return colorOK
	case client.StatusAnalysisRequested, client.StatusRevealRequested:
		return colorPending
	default:
		return colorDim
	}
}

func printStatus(w io.Writer, st *client.NetworkStatus) {
	fmt.Fprintf(w, "network %d  %s\n", st.NetworkID, statusColor(st.Status).Sprint(st.Status))
	if st.AnalysisID > 0 {
		fmt.Fprintf(w, "  analysis  %d\n", st.AnalysisID)
	}
	for _, id := range st.PendingRequests {
		fmt.Fprintf(w, "  pending   %s\n", id)
	}
	if st.Result != nil && st.Result.Revealed {
		printResult(w, st.Result)
	}
}

func printResult(w io.Writer, r *client.Result) {
	if !r.Revealed {
		fmt.Fprintf(w, "  analysis %d not revealed\n", r.AnalysisID)
		return
	}
	fmt.Fprintf(w, "  risk score     %s\n", colorOK.Sprint(r.RiskScore))
	fmt.Fprintf(w, "  vulnerability  %s\n", colorOK.Sprint(r.Vulnerability))
}
