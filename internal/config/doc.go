// Package config loads keygate configuration.
//
// Values come from three layers, highest precedence first:
//
//	1. Environment variables prefixed KEYGATE_ (KEYGATE_SERVER_PORT, KEYGATE_STORE_DRIVER, ...)
//	2. A YAML file named by KEYGATE_CONFIG, or config.yaml / configs/config.yaml
//	3. The defaults in Default()
//
// Load validates the merged result and fails fast on inconsistent policy
// timings, unknown store drivers and missing admin credentials.
package config
