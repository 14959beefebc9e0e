package core

import (
	"strings"

	"github.com/blang/semver/v4"
)

// Matches reports whether service satisfies pattern. Type and provider compare
// case-insensitively unless the pattern uses the wildcard; pattern tags and
// environments require at least one shared entry. A version constraint is only
// enforced when both the constraint and the service version parse.
func Matches(pattern ServiceIdentifier, service ServiceIdentifier) bool {
	if !fieldMatches(pattern.Type, service.Type) {
		return false
	}
	if !fieldMatches(pattern.Provider, service.Provider) {
		return false
	}
	if len(pattern.Tags) > 0 && !intersects(pattern.Tags, service.Tags) {
		return false
	}
	if len(pattern.Environment) > 0 && !intersects(pattern.Environment, service.Environment) {
		return false
	}
	return versionMatches(pattern.VersionConstraint, service.Version)
}

// MatchesAny reports whether pattern matches any of services.
func MatchesAny(pattern ServiceIdentifier, services ...ServiceIdentifier) bool {
	for _, service := range services {
		if Matches(pattern, service) {
			return true
		}
	}
	return false
}

func fieldMatches(pattern string, value string) bool {
	return pattern == Wildcard || strings.EqualFold(pattern, value)
}

func intersects(left []string, right []string) bool {
	for _, candidate := range left {
		for _, other := range right {
			if strings.EqualFold(candidate, other) {
				return true
			}
		}
	}
	return false
}

func versionMatches(constraint string, version string) bool {
	if constraint == "" || version == "" {
		return true
	}
	versionRange, ok := ParseVersionRange(constraint)
	if !ok {
		return true
	}
	parsed, err := semver.ParseTolerant(version)
	if err != nil {
		return true
	}
	return versionRange(parsed)
}
