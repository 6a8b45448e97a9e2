// Package app assembles the entitlement agent: configuration, logging,
// telemetry, the SQLite licensing store, the entitlement service client, the
// license session, the checkout inbox and the local control API.
//
// # Lifecycle
//
//	a, err := app.New(app.Options{ConfigPath: path})
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// Run starts the license session and serves until ctx is cancelled, then
// stops the session (flushing pending records) and shuts telemetry down.
// The app package never calls os.Exit; the command decides the exit code.
package app
