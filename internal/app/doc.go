// Package app wires the keygate server together: key store, issuance and
// activation engine, audit sinks, HTTP router and background workers.
//
// # Initialization Flow
//
//  1. Open the configured key store (memory, redis, postgres or sqlite)
//  2. Initialize OpenTelemetry providers and business metrics
//  3. Build the issuer, verifier, attempt guard and sweeper
//  4. Register audit sinks (Kafka, Google Sheets, live feed)
//  5. Set up HTTP handlers and middleware
//
// # Lifecycle
//
// Run starts the HTTP server, the sweeper, the audit dispatcher and the feed
// hub in one errgroup and blocks until the context is cancelled or one of
// them fails. Shutdown drains in-flight requests within the configured
// shutdown timeout, then closes the audit sinks and the store.
//
// The package never calls os.Exit; errors are returned to main.
package app
