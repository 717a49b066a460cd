package resources

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme identifies the namespace a resource is published under.
type Scheme string

// Valid resource schemes. The set is closed: publishing under any other
// scheme is rejected.
const (
	// SchemeCache holds reusable artifacts shared across sessions.
	SchemeCache Scheme = "cache"

	// SchemeSession holds per-session stage outputs.
	SchemeSession Scheme = "session"

	// SchemeTemp holds short-lived intermediate artifacts.
	SchemeTemp Scheme = "temp"

	// SchemeSampling holds cached sampling winners.
	SchemeSampling Scheme = "sampling"
)

var (
	// ErrInvalidURI is returned for URIs that don't match scheme://path.
	ErrInvalidURI = errors.New("invalid resource URI")

	// ErrInvalidScheme is returned for URIs outside the allowed scheme set.
	ErrInvalidScheme = errors.New("invalid resource scheme")
)

// Valid reports whether s is one of the allowed schemes.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeCache, SchemeSession, SchemeTemp, SchemeSampling:
		return true
	}
	return false
}

// ParseURI splits a resource URI into scheme and path, validating both.
//
// The accepted shape is scheme://path[?query][#fragment]. Query and
// fragment are not interpreted: the full URI string is the cache key, so
// two URIs differing only in query identify different resources.
func ParseURI(uri string) (Scheme, string, error) {
	schemeStr, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", "", fmt.Errorf("%w: missing :// separator in %q", ErrInvalidURI, uri)
	}
	if schemeStr == "" {
		return "", "", fmt.Errorf("%w: empty scheme in %q", ErrInvalidURI, uri)
	}
	if rest == "" {
		return "", "", fmt.Errorf("%w: empty path in %q", ErrInvalidURI, uri)
	}

	scheme := Scheme(schemeStr)
	if !scheme.Valid() {
		return "", "", fmt.Errorf("%w: %q (allowed: cache, session, temp, sampling)", ErrInvalidScheme, schemeStr)
	}

	return scheme, rest, nil
}

// BuildURI joins a scheme and path segments into a resource URI.
func BuildURI(scheme Scheme, segments ...string) string {
	return string(scheme) + "://" + strings.Join(segments, "/")
}
