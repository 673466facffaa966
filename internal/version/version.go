// Package version carries build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// MinEngineMajor is the oldest engine release line the command set was verified against.
const MinEngineMajor = 23

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the build metadata of this binary.
type Info struct {
	Version        string
	Commit         string
	Date           string
	GoVersion      string
	MinEngineMajor int
}

// Current returns the stamped metadata.
func Current() Info {
	return Info{
		Version:        Version,
		Commit:         Commit,
		Date:           Date,
		GoVersion:      runtime.Version(),
		MinEngineMajor: MinEngineMajor,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("oslctl %s (commit=%s, date=%s, go=%s, engine>=%d)",
		i.Version, i.Commit, i.Date, i.GoVersion, i.MinEngineMajor)
}

func String() string {
	return Current().String()
}
