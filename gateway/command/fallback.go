package command

import "context"

// ReasonNoBackend is the Error of a Result produced by an exhausted Chain.
const ReasonNoBackend = "no supported backend"

// Candidate is one variant of a logical query, e.g. the dpkg flavor of "count installed packages".
type Candidate struct {
	Name string
	Spec Spec
}

// Chain is an ordered list of candidates for the same logical query.
type Chain struct {
	Candidates []Candidate
	// Exhausted is reported as Output when every candidate failed.
	Exhausted string
}

// FirstSuccess runs the chain's candidates in order and returns the first successful Result,
// tagged with the candidate's name. Candidates after the first success are never run.
// If all candidates fail their individual errors are dropped and a single ReasonNoBackend Result is returned.
func FirstSuccess(ctx context.Context, r Runner, chain Chain) Result {
	for _, c := range chain.Candidates {
		res := r.Run(ctx, c.Spec)
		if res.Success {
			res.Variant = c.Name
			return res
		}
		if ctx.Err() != nil {
			break
		}
	}
	msg := chain.Exhausted
	if msg == "" {
		msg = "No supported backend available"
	}
	return Failure("", msg, ReasonNoBackend)
}
