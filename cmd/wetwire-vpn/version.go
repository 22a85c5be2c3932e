package main

import "runtime/debug"

// version can be set via ldflags: -ldflags "-X main.version=v1.0.0"
var version = ""

// getVersion prefers the ldflags version, then the module version recorded
// by "go install @version", then the VCS revision, then "dev".
func getVersion() string {
	if version != "" {
		return version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return "dev-" + s.Value[:12]
		}
	}
	return "dev"
}
