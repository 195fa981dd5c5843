// Package api exposes the runtime over HTTP: agent introspection, lifecycle
// control, synchronous task execution and asynchronous job submission.
package api
