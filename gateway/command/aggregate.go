package command

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// MaxFanOut bounds how many branches of one aggregate run at the same time.
const MaxFanOut = 8

// Aggregate runs every named spec concurrently and waits for all of them.
// Results are keyed by name; a failing branch is reported in its own Result and never affects the others.
func Aggregate(ctx context.Context, r Runner, specs map[string]Spec) map[string]Result {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, len(names))
	var group errgroup.Group
	group.SetLimit(MaxFanOut)
	for i, name := range names {
		i, spec := i, specs[name]
		group.Go(func() error {
			results[i] = r.Run(ctx, spec)
			return nil
		})
	}
	// branches never return errors
	_ = group.Wait()

	out := make(map[string]Result, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// Compose folds aggregate results into a single successful Result whose Data maps each name to its output.
func Compose(results map[string]Result) Result {
	data := make(map[string]string, len(results))
	for name, res := range results {
		data[name] = res.Output
	}
	return Result{Success: true, Data: data}
}
