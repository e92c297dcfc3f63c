// Package testutil contains fakes and assertions shared by tests across
// packages: in-memory search and mail backends, a credential source with a
// fixed answer, and helpers that collect and check run event streams. They
// are not intended for production usage.
package testutil
