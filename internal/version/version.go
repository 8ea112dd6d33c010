// Package version carries build metadata stamped with -ldflags, for example
//
//	-X github.com/you/livechat-harvester/internal/version.Version=v1.2.0
package version

import (
	"runtime/debug"
	"time"
)

var (
	Version  = "dev"
	Revision = ""
	BuiltAt  = ""
)

// Info describes the compiled binary.
type Info struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

// Get returns the stamped metadata, falling back to the VCS settings the Go
// toolchain records when nothing was stamped.
func Get() Info {
	info := Info{Version: Version, Revision: Revision}
	if t, err := time.Parse(time.RFC3339, BuiltAt); err == nil {
		info.BuiltAt = t
	}
	if info.Revision != "" && !info.BuiltAt.IsZero() {
		return info
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Revision == "" {
				info.Revision = s.Value
			}
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil && info.BuiltAt.IsZero() {
				info.BuiltAt = t
			}
		}
	}
	return info
}
