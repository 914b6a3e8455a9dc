package config

// Set at compile time, for example:
//
//	go build -ldflags "-X autopilot/internal/config.version=1.4.0 \
//	    -X autopilot/internal/config.commit=$(git rev-parse --short HEAD)" ./cmd/autopilot
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
