// Package log provides the global zerolog-backed logger and helpers for
// creating component- and entity-scoped child loggers.
package log
