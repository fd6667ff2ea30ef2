package version

// Version information set at build time via ldflags:
// go build -ldflags "-X github.com/puyujian/xhs-kapian-sub000/internal/version.Version=1.0.0" ./cmd/linkstat
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
