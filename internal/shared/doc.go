// Package shared holds helpers used by more than one package's tests.
//
// testutil issues signed policy tokens and checkout files so tests outside
// the license package drive a session through the real parsing path, and
// captures slog output so tests can assert on what was logged.
package shared
