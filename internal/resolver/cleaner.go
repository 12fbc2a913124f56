package resolver

import "strings"

// Clean strips the account's own server name from a Host or SNI value so a
// wildcard front like "real.sub.example.com" under "example.com" yields
// "real.sub". A candidate equal to the server is returned as is.
func Clean(candidate, server string) string {
	if candidate == "" || server == "" || candidate == server {
		return candidate
	}
	if rest, ok := strings.CutPrefix(candidate, server+"."); ok && rest != "" {
		return rest
	}
	if rest, ok := strings.CutSuffix(candidate, "."+server); ok && rest != "" {
		return rest
	}
	return candidate
}
