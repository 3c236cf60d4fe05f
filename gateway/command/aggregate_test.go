package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateFailSoft(t *testing.T) {
	results := Aggregate(context.Background(), NewEngine(), map[string]Spec{
		"a": Argv("echo", "alpha"),
		"b": Shell("echo broken 1>&2; exit 1"),
	})
	require.Len(t, results, 2)

	assert.True(t, results["a"].Success)
	assert.Equal(t, "alpha", results["a"].Output)

	assert.False(t, results["b"].Success)
	assert.Equal(t, "broken\n", results["b"].Output)

	composite := Compose(results)
	assert.True(t, composite.Success)
	assert.Equal(t, map[string]string{"a": "alpha", "b": "broken\n"}, composite.Data)
}

func TestAggregateRunsConcurrently(t *testing.T) {
	specs := map[string]Spec{}
	for _, name := range []string{"one", "two", "three", "four"} {
		specs[name] = Shell("sleep 0.5; echo " + name)
	}

	start := time.Now()
	results := Aggregate(context.Background(), NewEngine(), specs)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 1500*time.Millisecond)
	for name, res := range results {
		assert.True(t, res.Success, name)
		assert.Equal(t, name, res.Output)
	}
}

func TestAggregateEveryBranchRuns(t *testing.T) {
	runner := &recordingRunner{ok: map[string]bool{"x": true}}
	results := Aggregate(context.Background(), runner, map[string]Spec{
		"x": Shell("x"),
		"y": Shell("y"),
		"z": Shell("z"),
	})
	assert.ElementsMatch(t, []string{"x", "y", "z"}, runner.Calls())
	assert.True(t, results["x"].Success)
	assert.False(t, results["y"].Success)
	assert.False(t, results["z"].Success)
}
