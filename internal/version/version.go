// Package version identifies the agent build.
package version

// Name is the service name used for telemetry and logging.
const Name = "courier"

// Version is stamped at build time via -ldflags.
var Version = "dev"
