package geoip

import "strings"

// CDNHomeCountry hosts most CDN edges; an IP located there is weaker evidence
// of the real backend location.
const CDNHomeCountry = "US"

var cdnProviders = []string{
	"cloudflare", "amazon", "aws", "google", "microsoft",
	"akamai", "fastly", "maxcdn", "keycdn", "jsdelivr",
}

var vpsProviders = []string{
	"digitalocean", "linode", "vultr", "hetzner", "ovh",
	"contabo", "hostinger", "namecheap", "godaddy",
}

func IsCDN(provider string) bool {
	return containsAny(provider, cdnProviders)
}

func IsVPS(provider string) bool {
	return containsAny(provider, vpsProviders)
}

func containsAny(provider string, names []string) bool {
	p := strings.ToLower(provider)
	for _, name := range names {
		if strings.Contains(p, name) {
			return true
		}
	}
	return false
}

// Flag renders a two letter ISO code as a regional indicator pair.
func Flag(code string) string {
	if len(code) != 2 {
		return "❓"
	}
	code = strings.ToUpper(code)
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "❓"
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}
