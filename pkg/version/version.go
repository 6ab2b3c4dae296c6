// Package version holds build information. The values are overridden at
// link time:
//
//	go build -ldflags "-X github.com/robocar-go/robocar/pkg/version.Version=v0.3.0 \
//	  -X github.com/robocar-go/robocar/pkg/version.GitCommit=$(git rev-parse --short HEAD)"
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
)
