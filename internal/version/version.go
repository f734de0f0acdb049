package version

import "fmt"

// VERSION and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/rdp/internal/version.VERSION=1.0.0 -X github.com/chronologos/rdp/internal/version.Commit=abc123" ./cmd/rdp
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String is the banner printed by `rdp version`.
func String() string {
	return fmt.Sprintf("rdp %s (%s)", VERSION, Commit)
}
