/*
Package command runs host commands and turns every outcome into a Result.

A Spec describes one command: either a shell line, which is run with "sh -c", or an argument vector, which is executed directly with no shell involved. The Engine bounds each run with a timeout and an output cap and never returns an error: spawn failures, non-zero exits, timeouts and rejected spawns are all reported as a Result with Success=false and diagnostic text in Output.

On top of a Runner the package provides two combinators:

  - FirstSuccess evaluates a Chain of alternative commands in order and stops at the first one that succeeds. This is used for queries that differ between distributions, like package counts or firewall status.
  - Aggregate runs a set of named commands concurrently and assembles the results by name. A failing branch never fails the aggregate.

The Engine holds a fixed number of spawn slots. Callers wait for a free slot for a bounded time and get a "busy" Result if none frees up.
*/
package command
