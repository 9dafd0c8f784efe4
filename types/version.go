package types

import "strings"

// Version is the canonical project version.
// The control protocol is versioned in lockstep with it: peers interoperate
// when major and minor components agree.
const Version = "1.2.0"

// CompatibleVersion reports whether two versions share major and minor.
// Malformed versions are never compatible.
func CompatibleVersion(a, b string) bool {
	ma, ok := majorMinor(a)
	if !ok {
		return false
	}
	mb, ok := majorMinor(b)
	if !ok {
		return false
	}
	return ma == mb
}

func majorMinor(v string) (string, bool) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "." + parts[1], true
}
