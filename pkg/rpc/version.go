package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// semver is a minimal major.minor.patch triple; pre-release/build
// metadata are not part of the compatibility check.
type semver struct {
	Major, Minor, Patch int
}

func parseSemver(s string) (semver, error) {
	parts := strings.SplitN(s, "-", 2)[0] // drop any pre-release suffix
	fields := strings.Split(parts, ".")
	if len(fields) != 3 {
		return semver{}, fmt.Errorf("rpc: invalid semver %q", s)
	}
	var v [3]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return semver{}, fmt.Errorf("rpc: invalid semver %q: %w", s, err)
		}
		v[i] = n
	}
	return semver{Major: v[0], Minor: v[1], Patch: v[2]}, nil
}

// CompatibleVersion reports whether an agent reporting agentVersion is
// accepted by a control plane running controlVersion: the agent must
// satisfy >= major.minor.0, < major.(minor+1).0 of the control plane's
// own version.
func CompatibleVersion(controlVersion, agentVersion string) (bool, error) {
	cp, err := parseSemver(controlVersion)
	if err != nil {
		return false, err
	}
	ag, err := parseSemver(agentVersion)
	if err != nil {
		return false, err
	}
	lowerOK := ag.Major > cp.Major || (ag.Major == cp.Major && ag.Minor >= cp.Minor)
	upperOK := ag.Major < cp.Major || (ag.Major == cp.Major && ag.Minor < cp.Minor+1)
	return lowerOK && upperOK, nil
}
