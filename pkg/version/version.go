package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// Info reports the build plus the toolchain it was compiled with, served
// by the admin version endpoint.
func Info() map[string]string {
	return map[string]string{
		"build": Build,
		"go":    runtime.Version(),
	}
}
