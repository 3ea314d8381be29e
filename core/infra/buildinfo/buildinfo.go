package buildinfo

import (
	"fmt"

	"github.com/cordum/plugind/core/infra/logging"
)

// Stamped at link time via -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent identifies outbound HTTP calls made by plugind binaries.
func UserAgent(component string) string {
	return fmt.Sprintf("%s/%s", component, Version)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
