// Package services implements the business layer between the HTTP handlers
// (and the admin CLI) and the key lifecycle components.
//
// KeyService reads the clock once per call and threads that instant through
// the issuer, verifier and sweeper, so every decision made for one request
// sees the same "now". It also owns the cross-cutting concerns of each
// operation: tracing spans, business metrics, and audit events handed to the
// publisher.
//
// HealthService answers liveness and readiness probes.
//
// Services accept their collaborators through constructors; handlers depend
// on the interfaces declared here so they can be tested with testify mocks.
package services
