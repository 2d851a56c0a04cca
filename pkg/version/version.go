package version

// Set at build time with -ldflags "-X github.com/chmdznr/instrument-index/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
