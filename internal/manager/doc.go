// Package manager bridges background tasks to the cooperative main loop. It
// keeps a registry of watchers over running tasks, publishes start/finish and
// progress notifications to subscribers, and provides the one sanctioned way
// for main-loop code to wait synchronously on a task: a nested, reentrant
// pump of the same queue that drives the rest of the program.
package manager
