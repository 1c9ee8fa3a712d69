// Package version carries the daemon and API version numbers.
package version

// Version is the daemon version.
var Version = "1.2"

// APIVersion is the REST API version prefix.
var APIVersion = "1.0"
