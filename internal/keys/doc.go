// Package keys defines the domain model shared by every keygate component:
// activation key records, identity bindings, session tokens, activation audit
// entries and aggregate statistics.
//
// # Key Grammar
//
// Keys are produced and accepted in exactly one shape:
//
//	^(LL|LV|CEVEX)-[0-9A-F]{4}-[0-9A-F]{2}$
//
// The prefix is chosen from the requesting service (lootlabs, linkvertise or
// anything else) and the remaining six hex digits are random.
//
// # Errors
//
// Sentinel errors declared here are the only error values that cross package
// boundaries. Storage backends wrap driver failures with ErrStorageUnavailable
// so callers can match them with errors.Is without knowing the backend.
package keys
