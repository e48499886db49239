package config

// AppName is the service name used in logs and telemetry.
const AppName = "keygate"

// AppVersion is overridden at link time by build.go.
var AppVersion = "1.0.0"
