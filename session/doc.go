// Package session keeps the live conversations of a process. A conversation
// is created per user session and handed to at most one run at a time; the
// store enforces that exclusivity. Nothing is persisted.
package session
