package protocol

import "sort"

// SupportedVersions is the fixed list of protocol versions this runtime
// understands, newest first. Dates follow the protocol's YYYY-MM-DD
// convention.
var SupportedVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// NegotiateVersion picks the newest version in SupportedVersions that the
// client also offered. offered is a single version string from the
// client's initialize request. The protocol negotiates by the server
// selecting the newest version it supports that is compatible with what
// the client sent; since clients send one version (not a list), a match
// means that exact version is supported.
func NegotiateVersion(offered string) (string, bool) {
	for _, v := range SupportedVersions {
		if v == offered {
			return v, true
		}
	}
	return "", false
}

// IsSupportedVersion reports whether v is in SupportedVersions.
func IsSupportedVersion(v string) bool {
	_, ok := NegotiateVersion(v)
	return ok
}

// SortedSupportedVersions returns a defensive, sorted-newest-first copy
// for inclusion in error payloads.
func SortedSupportedVersions() []string {
	out := make([]string, len(SupportedVersions))
	copy(out, SupportedVersions)
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}
