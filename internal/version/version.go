// Package version exposes the tool identity used to build outbound
// user-agent strings, per spec.md §6: "<tool>/<version> node/<runtime-version>
// <http-lib>/<lib-version>" — adapted for a Go runtime.
package version

import "runtime"

// Tool is the project name advertised to upstream wikis.
const Tool = "dispatch"

// Version is the build version. Overridden at link time via
// -ldflags "-X github.com/ChlodAlejandro/deputy-dispatch/internal/version.Version=...".
var Version = "dev"

// HTTPLib identifies the HTTP client implementation in use.
const HTTPLib = "net/http"

// UserAgent returns the fixed user-agent string sent on every upstream call.
func UserAgent() string {
	return Tool + "/" + Version + " " + runtime.Version() + " " + HTTPLib + "/" + runtime.Version()
}
