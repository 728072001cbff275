package version

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Version is overridden at build time with
// -ldflags "-X crmlicense.app/licensing/internal/version.Version=1.4.0".
var Version = "dev"

var loadOnce sync.Once

// Load replaces a "dev" build version with the contents of the VERSION file
// at path, when it exists.
func Load(path string) string {
	loadOnce.Do(func() {
		if Version != "dev" {
			return
		}
		if data, err := os.ReadFile(path); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				Version = v
			}
		}
	})
	return Version
}

// UserAgent identifies a component of this build in outgoing requests.
func UserAgent(component string) string {
	return fmt.Sprintf("%s/%s", component, Version)
}
