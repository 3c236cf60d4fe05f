package command

import (
	"context"
	"strings"
	"time"
)

// Spec describes a single command execution.
// If Args is non-empty, Args[0] is executed directly with the remaining elements as arguments,
// otherwise Command is handed to the shell.
type Spec struct {
	Command string
	Args    []string

	// Dir is the working directory. The gateway's current directory is used when empty.
	Dir string
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
	// MaxOutput overrides the engine's output cap (in bytes) when positive.
	MaxOutput int
}

// Shell returns a Spec that runs line through the shell.
func Shell(line string) Spec {
	return Spec{Command: line}
}

// Argv returns a Spec that executes args directly.
func Argv(args ...string) Spec {
	return Spec{Command: strings.Join(args, " "), Args: args}
}

func (s Spec) WithTimeout(d time.Duration) Spec {
	s.Timeout = d
	return s
}

func (s Spec) WithDir(dir string) Spec {
	s.Dir = dir
	return s
}

// Display is the command line reported back to callers.
func (s Spec) Display() string {
	if s.Command != "" {
		return s.Command
	}
	return strings.Join(s.Args, " ")
}

func (s Spec) empty() bool {
	return strings.TrimSpace(s.Command) == "" && len(s.Args) == 0
}

// Result is the envelope returned for every command, successful or not.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Command string `json:"command,omitempty"`

	// Error classifies a failure, e.g. "timed out after 30s", "busy" or "no supported backend".
	Error string `json:"error,omitempty"`
	// Variant names the fallback candidate that produced this result.
	Variant string `json:"variant,omitempty"`
	// Data holds the named outputs of a composite result.
	Data map[string]string `json:"data,omitempty"`

	Truncated bool `json:"truncated,omitempty"`
	ExitCode  int  `json:"exitCode"`
}

// Failure builds a failed Result that never touched a process.
func Failure(command, output, reason string) Result {
	return Result{
		Success:  false,
		Output:   output,
		Command:  command,
		Error:    reason,
		ExitCode: -1,
	}
}

// Runner executes a Spec. Implementations must always return a Result.
type Runner interface {
	Run(ctx context.Context, spec Spec) Result
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, spec Spec) Result

func (f RunnerFunc) Run(ctx context.Context, spec Spec) Result { return f(ctx, spec) }
