// Package task provides the shared task state behind every Promise/Future
// pair, continuation dispatch via executors, and a bounded worker pool for
// running background computations. A State is created in the running state,
// mutated by its producer (result, error, progress) and by any holder
// (cancellation), and finishes exactly once.
package task
