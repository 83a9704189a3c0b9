package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X".
var (
	CLIName    = "boundless"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s/%s)", CLIName, CLIVersion, Commit, BuildDate, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent with every provider request.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
