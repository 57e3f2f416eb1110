// Package types defines the shared domain model for nimbus: instance
// lifecycle state, startup operations, jobs and their payloads, provider
// wire objects, and webhook events.
//
// The package is intentionally dependency-free so every other package can
// import it without cycles.
package types
