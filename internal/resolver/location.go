package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/fyaix/yahaha/internal/geoip"
	"github.com/fyaix/yahaha/internal/model"
)

const (
	MethodPathIP     = "path IP"
	MethodUnresolved = "unresolved"
)

type GeoLookup interface {
	Lookup(ctx context.Context, ip string) geoip.Info
}

type HostResolver interface {
	LookupAll(ctx context.Context, host string) []string
}

type Location struct {
	Country  string
	Provider string
	TestedIP string
	Method   string
}

func Unresolved() Location {
	return Location{
		Country:  geoip.UnknownCountry,
		Provider: geoip.UnknownProvider,
		TestedIP: model.UnknownIP,
		Method:   MethodUnresolved,
	}
}

func (l Location) CDN() bool { return geoip.IsCDN(l.Provider) }

// Resolver locates the real backend of an account, preferring addresses
// that are not behind a CDN.
type Resolver struct {
	geo GeoLookup
	dns HostResolver
}

func New(geo GeoLookup, dns HostResolver) *Resolver {
	return &Resolver{geo: geo, dns: dns}
}

type candidate struct {
	source string
	value  string
}

func (r *Resolver) Resolve(ctx context.Context, acc *model.Account) Location {
	if ip, _, ok := acc.EmbeddedIP(); ok {
		return r.locate(ctx, ip, MethodPathIP)
	}

	log := slog.With("server", acc.Server, "tag", acc.Tag)
	fallback := Unresolved()
	fallbackScore := 0
	for _, c := range candidates(acc) {
		if ctx.Err() != nil {
			break
		}

		var loc Location
		if net.ParseIP(c.value) != nil {
			loc = r.locate(ctx, c.value, c.source+" (direct IP)")
		} else {
			ips := r.dns.LookupAll(ctx, c.value)
			if len(ips) == 0 {
				log.Debug("candidate_unresolved", "source", c.source, "name", c.value)
				continue
			}
			loc = r.best(ctx, ips)
			loc.Method = fmt.Sprintf("%s (best of %d IPs)", c.source, len(ips))
		}

		if !loc.CDN() {
			return loc
		}
		log.Debug("candidate_behind_cdn", "source", c.source, "provider", loc.Provider)
		if s := score(loc); fallback.Method == MethodUnresolved || s > fallbackScore {
			fallback, fallbackScore = loc, s
		}
	}
	return fallback
}

// candidates lists server, Host and SNI in that order. Names other than the
// server itself are cleaned against it first.
func candidates(acc *model.Account) []candidate {
	server := acc.Server
	out := []candidate{{source: "server", value: server}}

	host := acc.HostHeader()
	if host != "" && host != server {
		out = append(out, candidate{source: "host", value: cleanName(host, server)})
	}
	sni := acc.SNI()
	if sni != "" && sni != server && sni != host {
		out = append(out, candidate{source: "sni", value: cleanName(sni, server)})
	}
	return out
}

func cleanName(name, server string) string {
	if net.ParseIP(name) != nil {
		return name
	}
	return Clean(name, server)
}

func (r *Resolver) locate(ctx context.Context, ip, method string) Location {
	info := r.geo.Lookup(ctx, ip)
	return Location{Country: info.CountryCode, Provider: info.Provider, TestedIP: ip, Method: method}
}

// best scores every address and keeps the highest, ties going to the
// earliest.
func (r *Resolver) best(ctx context.Context, ips []string) Location {
	var (
		winner    Location
		bestScore int
	)
	for i, ip := range ips {
		loc := r.locate(ctx, ip, "")
		s := score(loc)
		if i == 0 || s > bestScore {
			winner, bestScore = loc, s
		}
	}
	return winner
}

func score(loc Location) int {
	return Score(geoip.Info{CountryCode: loc.Country, Provider: loc.Provider})
}

func Score(info geoip.Info) int {
	score := 0
	if geoip.IsCDN(info.Provider) {
		score -= 50
	}
	if geoip.IsVPS(info.Provider) {
		score += 30
	}
	if info.Known() {
		score += 20
	}
	if info.CountryCode != geoip.CDNHomeCountry {
		score += 10
	}
	return score
}
