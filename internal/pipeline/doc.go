// Package pipeline implements the asynchronous compute-engine protocol used
// by transformation stages to produce cached, fingerprint-validated results.
// A stage's evaluation creates an engine holding an immutable snapshot of its
// inputs, runs it on a worker, and applies the results back on the main loop
// only if the inputs have not changed in the meantime.
package pipeline
