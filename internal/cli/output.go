package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // invalid entities, failed scenarios
	ExitCommandError = 2 // bad arguments, missing paths, database errors
)

// CLI error codes. Entity schema problems keep the compiler's E1xx codes
// and domain errors keep the code their message starts with.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeWriteFailed = "E007"
	ErrCodeBadArgument = "E008"
	ErrCodeDatabase    = "E009"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not an
// *ExitError exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope every command prints with --format json.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as text or as a CLIResponse.
// Diagnostics go to ErrWriter when set so JSON on Writer stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

func (f *OutputFormatter) respond(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success prints data, as the envelope's payload or with fmt's default
// formatting.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.respond(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Emit prints data as JSON, or lets text render it.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.isJSON() {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Error prints an error report. Text output shows details only in
// verbose mode.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return f.respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it wrapped with exitCode.
func (f *OutputFormatter) Fail(exitCode int, err error) error {
	_ = f.Error(errorCode(err), err.Error(), nil)
	return &ExitError{Code: exitCode, Err: err}
}

// commandError reports a coded failure and returns it with
// ExitCommandError.
func (f *OutputFormatter) commandError(code, message string, details any) error {
	_ = f.Error(code, message, details)
	return NewExitError(ExitCommandError, code+": "+message)
}

func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
	}
}

func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

var leadingCode = regexp.MustCompile(`^(E\d{3})\b`)

// errorCode is the code a LoadError carries or a domain error's message
// starts with, else ErrCodeGeneric.
func errorCode(err error) string {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code
	}
	if m := leadingCode.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ErrCodeGeneric
}
