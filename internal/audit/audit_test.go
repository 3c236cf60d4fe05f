package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/hostgateway/gateway/command"
	"github.com/guseggert/hostgateway/gateway/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRecordsExecutions(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := &Runner{Next: command.NewEngine(), Store: store}

	res := runner.Run(ctx, command.Argv("echo", "hi"))
	require.True(t, res.Success)
	res = runner.Run(ctx, command.Shell("exit 4"))
	require.False(t, res.Success)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// newest first
	assert.Equal(t, "exit 4", entries[0].Command)
	assert.False(t, entries[0].Success)
	assert.Equal(t, 4, entries[0].ExitCode)
	assert.Equal(t, "exit status 4", entries[0].Error)

	assert.Equal(t, "echo hi", entries[1].Command)
	assert.True(t, entries[1].Success)
	assert.Equal(t, 0, entries[1].ExitCode)
	assert.False(t, entries[1].Time.IsZero())

	entries, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Record(ctx, Entry{Command: "uptime", Success: true}))
	entries, err = store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uptime", entries[0].Command)
}

func TestSessionRecorder(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := monitor.NewManager(nil, 2, monitor.WithRecorder(&SessionRecorder{Store: store}))
	t.Cleanup(mgr.StopAll)

	exited := make(chan struct{})
	_, err = mgr.Start(ctx, command.Argv("echo", "hi"), monitor.Options{}, func(e monitor.Event) {
		if e.Type == monitor.EventExit {
			close(exited)
		}
	})
	require.NoError(t, err)
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}

	_, err = mgr.Start(ctx, command.Argv("/no/such/producer"), monitor.Options{}, func(monitor.Event) {})
	require.Error(t, err)

	entries, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "monitor[end] /no/such/producer", entries[0].Command)
	assert.False(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].Error)

	assert.Equal(t, "monitor[end] echo hi", entries[1].Command)
	assert.True(t, entries[1].Success)

	assert.Equal(t, "monitor[start] echo hi", entries[2].Command)
	assert.True(t, entries[2].Success)
}
