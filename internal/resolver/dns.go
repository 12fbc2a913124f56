package resolver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

var DefaultServers = []string{"8.8.8.8", "1.1.1.1"}

// DNS resolves a name through the OS resolver and a list of public servers
// queried directly, so CDN names return every edge address each vantage
// point knows about.
type DNS struct {
	servers []string
	client  *dns.Client
	timeout time.Duration

	// LookupHost is the OS resolver; replaced in tests.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

func NewDNS(servers []string, timeout time.Duration) *DNS {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}
	return &DNS{
		servers:    addrs,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
		timeout:    timeout,
		LookupHost: net.DefaultResolver.LookupHost,
	}
}

// LookupSystem returns the IPv4 addresses the OS resolver knows for host.
func (d *DNS) LookupSystem(ctx context.Context, host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.LookupHost(ctx, host)
	if err != nil {
		slog.Debug("dns_system_failed", "host", host, "error", err)
		return nil
	}
	var out []string
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			out = append(out, a)
		}
	}
	return out
}

// LookupAll merges the OS answer with every configured server's A records,
// deduplicated in first-seen order.
func (d *DNS) LookupAll(ctx context.Context, host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(ips []string) {
		for _, ip := range ips {
			if _, ok := seen[ip]; ok {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, ip)
		}
	}

	add(d.LookupSystem(ctx, host))
	for _, server := range d.servers {
		if ctx.Err() != nil {
			break
		}
		add(d.query(ctx, server, host))
	}
	return out
}

func (d *DNS) query(ctx context.Context, server, host string) []string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := d.client.ExchangeContext(ctx, m, server)
	if err != nil {
		slog.Debug("dns_query_failed", "server", server, "host", host, "error", err)
		return nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil
	}

	var ips []string
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}
