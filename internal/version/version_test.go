package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentReflectsStampedMetadata(t *testing.T) {
	saved := Current()
	t.Cleanup(func() {
		Version, Commit, Date = saved.Version, saved.Commit, saved.Date
	})

	Version, Commit, Date = "0.4.0", "9f1c2d7", "2026-10-01"

	require.Equal(t, Info{
		Version:        "0.4.0",
		Commit:         "9f1c2d7",
		Date:           "2026-10-01",
		GoVersion:      runtime.Version(),
		MinEngineMajor: MinEngineMajor,
	}, Current())
	require.Equal(t,
		"oslctl 0.4.0 (commit=9f1c2d7, date=2026-10-01, go="+runtime.Version()+", engine>=23)",
		String())
}
