// Package http implements the HTTP handlers of the key gate: the public
// issue, verify and session endpoints, the bearer-protected admin surface
// and the health probes.
//
// Handlers stay thin. They bind and validate query parameters, call the
// services layer, and translate its results and sentinel errors into the
// response bodies clients depend on. Verification failures are answered as
// {"success":false,"message":...} bodies rather than HTTP faults; storage
// faults become 500 responses with a generic message.
//
// Every handler exposes Routes() returning a chi.Router that the
// application mounts.
package http
