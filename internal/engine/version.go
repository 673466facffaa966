package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/version"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+).*\((\d+)M?\)`)

// Version is an engine release such as "23.1.0 (311M)".
type Version struct {
	Major int
	Minor int
	Patch int
	Build int
	Raw   string
}

func ParseVersion(raw string) (Version, error) {
	m := versionPattern.FindStringSubmatch(raw)
	if m == nil {
		return Version{}, &errs.ResponseFormatError{Reason: fmt.Sprintf("unrecognized engine version %q", raw)}
	}
	nums := make([]int, 4)
	for i := range nums {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, &errs.ResponseFormatError{Reason: fmt.Sprintf("unrecognized engine version %q", raw)}
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Build: nums[3], Raw: raw}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d (%d)", v.Major, v.Minor, v.Patch, v.Build)
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// Version returns the engine version from SERVER_INFO. The first successful answer is
// cached.
func (s *Server) Version(ctx context.Context) (Version, error) {
	s.mu.Lock()
	cached := s.version
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	info, err := s.ServerInfo(ctx)
	if err != nil {
		return Version{}, err
	}
	raw, ok := command.LookupString(info, "application", "version")
	if !ok {
		return Version{}, &errs.ResponseFormatError{Reason: "SERVER_INFO: missing application.version"}
	}
	v, err := ParseVersion(raw)
	if err != nil {
		return Version{}, err
	}

	s.mu.Lock()
	s.version = &v
	s.mu.Unlock()
	return v, nil
}

func (s *Server) checkVersion(ctx context.Context) {
	v, err := s.Version(ctx)
	if err != nil {
		s.logger.Debug("engine version unavailable", "error", err)
		return
	}
	if v.Major < version.MinEngineMajor {
		s.logger.Warn("engine version is older than supported", "version", v.String(), "min_major", version.MinEngineMajor)
	}
}
