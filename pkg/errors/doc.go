// Package errors defines the coded error taxonomy and the retryability
// classification shared by the provider client, the job engine and the
// REST surface.
package errors
