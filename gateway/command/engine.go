package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxOutput     = 1 << 20
	DefaultMaxConcurrent = 16
	DefaultQueueTimeout  = 10 * time.Second

	// ReasonBusy is reported when no spawn slot became free within the queue timeout.
	ReasonBusy = "busy"
	busyOutput = "too many concurrent commands, try again later"
)

// waitDelay bounds how long Wait keeps copying output after the process was killed,
// in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// Engine runs commands as OS processes.
type Engine struct {
	log *zap.SugaredLogger

	timeout       time.Duration
	maxOutput     int
	maxConcurrent int
	queueTimeout  time.Duration

	sem *semaphore.Weighted
}

type Option func(e *Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

func WithMaxOutput(n int) Option {
	return func(e *Engine) {
		e.maxOutput = n
	}
}

// WithMaxConcurrent sets the number of processes that may run at once. Zero or less disables the bound.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		e.maxConcurrent = n
	}
}

func WithQueueTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.queueTimeout = d
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:           zap.NewNop().Sugar(),
		timeout:       DefaultTimeout,
		maxOutput:     DefaultMaxOutput,
		maxConcurrent: DefaultMaxConcurrent,
		queueTimeout:  DefaultQueueTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	if e.maxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(e.maxConcurrent))
	}
	return e
}

// Run executes spec and reports the outcome. It never returns an error and never panics on process failures.
func (e *Engine) Run(ctx context.Context, spec Spec) Result {
	display := spec.Display()
	if spec.empty() {
		return Failure(display, "no command given", "empty command")
	}

	if err := e.acquire(ctx); err != nil {
		e.log.Debugw("no spawn slot available", "Command", display, "Error", err)
		return Failure(display, busyOutput, ReasonBusy)
	}
	defer e.release()

	timeout := e.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	maxOutput := e.maxOutput
	if spec.MaxOutput > 0 {
		maxOutput = spec.MaxOutput
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := Prepare(runCtx, spec)
	// a producer that overruns the cap is killed along with its group
	stdout := &limitWriter{limit: maxOutput, onExceed: cancel}
	stderr := &limitWriter{limit: maxOutput, onExceed: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	res := Result{
		Command:   display,
		ExitCode:  exitCode,
		Truncated: stdout.truncated || stderr.truncated,
	}
	if res.Truncated {
		e.log.Debugf("output of %q truncated at %s", display, humanize.IBytes(uint64(maxOutput)))
	}

	switch {
	case runErr != nil && res.Truncated && ctx.Err() == nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Error = fmt.Sprintf("output exceeded %s", humanize.IBytes(uint64(maxOutput)))
		res.Output = failureOutput(stderr, res.Error)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Error = fmt.Sprintf("timed out after %s", timeout)
		res.Output = failureOutput(stderr, res.Error)
	case ctx.Err() != nil:
		res.Error = fmt.Sprintf("canceled: %s", ctx.Err())
		res.Output = failureOutput(stderr, res.Error)
	case runErr != nil:
		res.Error = runErr.Error()
		res.Output = failureOutput(stderr, runErr.Error())
	default:
		res.Success = true
		res.Output = strings.TrimSpace(stdout.String())
	}

	e.log.Debugw("ran command",
		"Command", display,
		"Success", res.Success,
		"ExitCode", exitCode,
		"Duration", elapsed,
		"Error", res.Error,
	)
	return res
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.queueTimeout)
	defer cancel()
	return e.sem.Acquire(ctx, 1)
}

func (e *Engine) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

// Prepare builds the exec.Cmd for spec. The process is placed in its own process group,
// and the whole group is killed when ctx is done.
func Prepare(ctx context.Context, spec Spec) *exec.Cmd {
	var cmd *exec.Cmd
	if len(spec.Args) > 0 {
		cmd = exec.CommandContext(ctx, spec.Args[0], spec.Args[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.Command)
	}
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		// read at request time, so a chdir of the gateway is picked up
		if wd, err := os.Getwd(); err == nil {
			cmd.Dir = wd
		}
	}
	configureProcess(cmd)
	return cmd
}

// stderr is preferred over the Go error text
func failureOutput(stderr *limitWriter, fallback string) string {
	if stderr.Len() > 0 {
		return stderr.String()
	}
	return fallback
}

// limitWriter buffers up to limit bytes and discards the rest.
// The buffer is a named field so io.Copy can't bypass Write through ReadFrom.
type limitWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
	// onExceed is called once, when the first byte past the limit arrives.
	onExceed func()
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if len(p) > remaining {
		if remaining > 0 {
			w.buf.Write(p[:remaining])
		}
		w.exceed()
		// report everything as consumed so the copier doesn't fail with a short write
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitWriter) exceed() {
	if w.truncated {
		return
	}
	w.truncated = true
	if w.onExceed != nil {
		w.onExceed()
	}
}

func (w *limitWriter) Len() int       { return w.buf.Len() }
func (w *limitWriter) String() string { return w.buf.String() }
