package main

import (
	"runtime"
)

// Set at build time with -ldflags "-X main.GitCommit=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
	Platform  = runtime.GOOS + "/" + runtime.GOARCH
)

func versionString() string {
	return Version + " (commit " + GitCommit + ", built " + BuildDate + ", " + GoVersion + " " + Platform + ")"
}
