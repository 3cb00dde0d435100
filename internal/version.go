package internal

// Version is the build version string, overridden at build time with
// -ldflags "-X github.com/pantos-io/servicenode/internal.Version=...".
var Version = "dev"
