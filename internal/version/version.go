package version

import (
	"fmt"
	"runtime/debug"

	goversion "github.com/hashicorp/go-version"
)

var (
	Version     = "unknown"
	Commit      = "unknown"
	FullVersion = ""
)

//nolint:gochecknoinits
func init() {
	if Version == "unknown" {
		info, ok := debug.ReadBuildInfo()
		if ok {
			// Weed out the "(devel)" version and strip the "v" prefix
			// so that "go install" builds report the same string as releases
			semver, err := goversion.NewSemver(info.Main.Version)
			if err == nil {
				Version = semver.String()
			}
		}
	}

	FullVersion = fmt.Sprintf("%s-%s", Version, Commit)
}

// UserAgent is the client identity sent along with every backend call.
func UserAgent() string {
	return fmt.Sprintf("gha-cache-gateway/%s", Version)
}
