// Package license is the entitlement session runtime embedded in the host
// application. It decides whether the application may run for a product,
// feature and version, records usage for billing, and keeps working offline
// for a bounded grace period.
//
// # Architecture Overview
//
// The runtime is built from a few small parts:
//
//   - Heartbeat: runs one periodic task with immediate first execution and a synchronous Stop
//   - GraceTracker: remembers when offline fallback began and counts the days left
//   - Resolver: fetches the policy online and falls back to the local cache
//   - Evaluate: a pure decision procedure from policy and grace state to a LicenseStatus
//   - Session: owns the current policy and the usage, policy and log-posting heartbeats
//
// # Status Evaluation
//
// Evaluate checks, in order and stopping at the first answer:
//
//  1. no policy                    -> NotEntitled
//  2. policy expired               -> Expired
//  3. policy not valid otherwise   -> DisabledByPolicy
//  4. per-product status not Ok    -> that status
//  5. no grace period              -> Ok
//  6. offline not allowed          -> DisabledByPolicy
//  7. grace days left > 0          -> Offline, else Expired
//
// # Concurrency
//
// The current policy is replaced with a single atomic pointer swap, so readers
// never observe a partially built policy. Each heartbeat owns its
// HeartbeatState; only its own goroutine and Session.StopApplication touch it.
// StopApplication stops every heartbeat before the store is closed.
//
// Nothing in this package imposes a timeout. A provider call in flight delays
// StopApplication until the call returns.
package license
