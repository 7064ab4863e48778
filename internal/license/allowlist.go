package license

import "strings"

// Allowlist is the parsed form of a license's allowed_ips column.
type Allowlist []string

// ParseAllowlist splits a comma-separated list of addresses, trimming the
// whitespace around each entry. Blank entries are dropped, so a nil, empty
// or whitespace-only column yields an empty (unrestricted) allowlist.
func ParseAllowlist(raw *string) Allowlist {
	if raw == nil {
		return nil
	}
	var out Allowlist
	for _, entry := range strings.Split(*raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Restricted reports whether the allowlist constrains anything.
func (a Allowlist) Restricted() bool { return len(a) > 0 }

// Permits reports whether ip is an exact member of the allowlist. There are
// no subnet semantics: "10.0.0.1" does not match "10.0.0.0/24".
func (a Allowlist) Permits(ip string) bool {
	for _, entry := range a {
		if entry == ip {
			return true
		}
	}
	return false
}
