package command

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine()

	cases := []struct {
		name        string
		spec        Spec
		expSuccess  bool
		expOutput   string
		expContains string
		expExitCode int
	}{
		{
			name:        "shell line",
			spec:        Shell("echo hello"),
			expSuccess:  true,
			expOutput:   "hello",
			expExitCode: 0,
		},
		{
			name:        "argv",
			spec:        Argv("echo", "hello", "world"),
			expSuccess:  true,
			expOutput:   "hello world",
			expExitCode: 0,
		},
		{
			name:        "argv does not interpret shell syntax",
			spec:        Argv("echo", "a;", "echo", "b"),
			expSuccess:  true,
			expOutput:   "a; echo b",
			expExitCode: 0,
		},
		{
			name:        "non-zero exit prefers stderr",
			spec:        Shell("echo out; echo oops 1>&2; exit 3"),
			expSuccess:  false,
			expOutput:   "oops\n",
			expExitCode: 3,
		},
		{
			name:        "non-zero exit without stderr",
			spec:        Shell("exit 1"),
			expSuccess:  false,
			expOutput:   "exit status 1",
			expExitCode: 1,
		},
		{
			name:        "missing binary",
			spec:        Argv("definitely-not-a-real-binary-4242"),
			expSuccess:  false,
			expContains: "definitely-not-a-real-binary-4242",
			expExitCode: -1,
		},
		{
			name:        "empty spec",
			spec:        Spec{},
			expSuccess:  false,
			expOutput:   "no command given",
			expExitCode: -1,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := engine.Run(ctx, c.spec)
			assert.Equal(t, c.expSuccess, res.Success)
			assert.Equal(t, c.expExitCode, res.ExitCode)
			assert.Equal(t, c.spec.Display(), res.Command)
			if c.expOutput != "" {
				assert.Equal(t, c.expOutput, res.Output)
			}
			if c.expContains != "" {
				assert.Contains(t, res.Output, c.expContains)
			}
			if !c.expSuccess {
				assert.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestEngineTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	engine := NewEngine()
	spec := Shell("sleep 1; touch " + marker).WithTimeout(200 * time.Millisecond)

	start := time.Now()
	res := engine.Run(context.Background(), spec)
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, "timed out after 200ms", res.Error)
	assert.Equal(t, "timed out after 200ms", res.Output)
	assert.Less(t, elapsed, 900*time.Millisecond)

	// the sleeping child was part of the killed group, so the marker never shows up
	time.Sleep(1200 * time.Millisecond)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "expected marker to not exist, got %v", err)
}

func TestEngineTruncatesOutput(t *testing.T) {
	engine := NewEngine(WithMaxOutput(100))

	res := engine.Run(context.Background(), Shell("head -c 5000 /dev/zero | tr '\\0' a"))
	assert.True(t, res.Truncated)
	if res.Success {
		// the pipeline finished before the kill landed
		assert.Equal(t, strings.Repeat("a", 100), res.Output)
	} else {
		assert.Equal(t, "output exceeded 100 B", res.Error)
	}

	res = engine.Run(context.Background(), Shell("printf %0100d 0"))
	require.True(t, res.Success)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Output, 100)

	res = engine.Run(context.Background(), Shell("printf abc"))
	require.True(t, res.Success)
	assert.False(t, res.Truncated)
}

func TestEngineKillsProducerPastCap(t *testing.T) {
	engine := NewEngine(WithMaxOutput(100), WithTimeout(5*time.Second))

	start := time.Now()
	res := engine.Run(context.Background(), Argv("yes"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.False(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Equal(t, "output exceeded 100 B", res.Error)
	assert.Equal(t, "output exceeded 100 B", res.Output)
}

func TestLimitWriterCopy(t *testing.T) {
	exceeded := 0
	w := &limitWriter{limit: 10, onExceed: func() { exceeded++ }}

	n, err := io.Copy(w, strings.NewReader(strings.Repeat("x", 5000)))
	require.NoError(t, err)
	assert.EqualValues(t, 5000, n)
	assert.Equal(t, 10, w.Len())
	assert.True(t, w.truncated)
	assert.Equal(t, 1, exceeded)
}

func TestEngineWorkingDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	res := NewEngine().Run(context.Background(), Argv("pwd").WithDir(dir))
	require.True(t, res.Success)
	assert.Equal(t, dir, res.Output)
}

func TestEngineBusy(t *testing.T) {
	engine := NewEngine(WithMaxConcurrent(1), WithQueueTimeout(50*time.Millisecond))

	done := make(chan Result)
	go func() {
		done <- engine.Run(context.Background(), Shell("sleep 1"))
	}()
	time.Sleep(200 * time.Millisecond)

	res := engine.Run(context.Background(), Shell("echo hi"))
	assert.False(t, res.Success)
	assert.Equal(t, ReasonBusy, res.Error)
	assert.True(t, strings.HasPrefix(res.Output, "too many concurrent commands"))

	first := <-done
	assert.True(t, first.Success)

	// the slot is free again
	res = engine.Run(context.Background(), Shell("echo hi"))
	assert.True(t, res.Success)
}

func TestEngineCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := NewEngine().Run(ctx, Shell("sleep 5"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled")
}
