package engine

import "kse/internal/depgraph"

// Options customizes one Start call.
type Options struct {
	// MaxParallel, if > 0, caps the configured max_parallel further for
	// this run only.
	MaxParallel int
}

// Result is the outcome of one Start call.
type Result struct {
	Status    string
	Plan      *depgraph.Plan
	Completed []string
	Failed    []string
	Skipped   []string
	Error     string
}
