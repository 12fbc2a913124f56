package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	UnknownCountry  = "unknown"
	UnknownProvider = "-"

	DefaultIPAPIURL  = "http://ip-api.com/json"
	DefaultIPWhoURL  = "https://ipwho.is"
	DefaultIPInfoURL = "https://ipinfo.io"

	maxBody = 64 << 10
)

var errLookupFailed = errors.New("lookup failed")

// Info is what a geolocation provider knows about one IP.
type Info struct {
	CountryCode string `json:"country_code"`
	Provider    string `json:"provider"`
}

func Unknown() Info {
	return Info{CountryCode: UnknownCountry, Provider: UnknownProvider}
}

func (i Info) Known() bool {
	return i.CountryCode != "" && i.CountryCode != UnknownCountry
}

// Provider is one HTTP geolocation backend.
type Provider struct {
	Name   string
	URL    func(ip string) string
	Decode func(body []byte) (Info, error)
}

// IPAPI builds the ip-api.com provider rooted at base.
func IPAPI(base string) Provider {
	return Provider{
		Name: "ip-api",
		URL: func(ip string) string {
			return fmt.Sprintf("%s/%s?fields=status,country,countryCode,isp,org", base, ip)
		},
		Decode: decodeIPAPI,
	}
}

func IPWho(base string) Provider {
	return Provider{
		Name:   "ipwho",
		URL:    func(ip string) string { return fmt.Sprintf("%s/%s", base, ip) },
		Decode: decodeIPWho,
	}
}

func IPInfo(base string) Provider {
	return Provider{
		Name:   "ipinfo",
		URL:    func(ip string) string { return fmt.Sprintf("%s/%s/json", base, ip) },
		Decode: decodeIPInfo,
	}
}

func DefaultProviders(ipAPIBase string) []Provider {
	if ipAPIBase == "" {
		ipAPIBase = DefaultIPAPIURL
	}
	return []Provider{IPAPI(ipAPIBase), IPWho(DefaultIPWhoURL), IPInfo(DefaultIPInfoURL)}
}

type Options struct {
	Timeout   time.Duration
	Rate      float64 // lookups per second, 0 disables limiting
	Providers []Provider
	Database  *Database
	Client    *http.Client
}

// Resolver looks IPs up across providers in order and never fails; an IP no
// provider can place comes back as Unknown.
type Resolver struct {
	client    *http.Client
	providers []Provider
	limiter   *rate.Limiter
	db        *Database
	timeout   time.Duration
	cache     sync.Map
}

func NewResolver(opts Options) *Resolver {
	if opts.Timeout <= 0 || opts.Timeout > 5*time.Second {
		opts.Timeout = 5 * time.Second
	}
	if opts.Providers == nil {
		opts.Providers = DefaultProviders("")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	r := &Resolver{
		client:    client,
		providers: opts.Providers,
		db:        opts.Database,
		timeout:   opts.Timeout,
	}
	if opts.Rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return r
}

func (r *Resolver) Lookup(ctx context.Context, ip string) Info {
	if ip == "" {
		return Unknown()
	}
	if cached, ok := r.cache.Load(ip); ok {
		return cached.(Info)
	}

	// One deadline covers the whole provider chain, rate limit waits included.
	chain, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := slog.With("ip", ip)
	for _, p := range r.providers {
		info, err := r.query(chain, p, ip)
		if err == nil {
			r.cache.Store(ip, info)
			return info
		}
		log.Debug("geo_lookup_failed", "provider", p.Name, "error", err)
		if ctx.Err() != nil {
			return Unknown()
		}
		if chain.Err() != nil {
			break
		}
	}

	if code, ok := r.db.Country(ip); ok {
		info := Info{CountryCode: code, Provider: UnknownProvider}
		r.cache.Store(ip, info)
		return info
	}
	return Unknown()
}

func (r *Resolver) query(ctx context.Context, p Provider, ip string) (Info, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Info{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(ip), nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("%w: status %d", errLookupFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Info{}, err
	}
	return p.Decode(body)
}

func decodeIPAPI(body []byte) (Info, error) {
	var v struct {
		Status      string `json:"status"`
		CountryCode string `json:"countryCode"`
		ISP         string `json:"isp"`
		Org         string `json:"org"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Info{}, err
	}
	if v.Status != "success" || v.CountryCode == "" {
		return Info{}, fmt.Errorf("%w: status %q", errLookupFailed, v.Status)
	}
	return Info{CountryCode: v.CountryCode, Provider: firstOf(v.Org, v.ISP)}, nil
}

func decodeIPWho(body []byte) (Info, error) {
	var v struct {
		Success     bool   `json:"success"`
		CountryCode string `json:"country_code"`
		Connection  struct {
			Org string `json:"org"`
			ISP string `json:"isp"`
		} `json:"connection"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Info{}, err
	}
	if !v.Success || v.CountryCode == "" {
		return Info{}, errLookupFailed
	}
	return Info{CountryCode: v.CountryCode, Provider: firstOf(v.Connection.Org, v.Connection.ISP)}, nil
}

var asnPrefix = regexp.MustCompile(`^AS\d+\s+`)

func decodeIPInfo(body []byte) (Info, error) {
	var v struct {
		Country string `json:"country"`
		Org     string `json:"org"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Info{}, err
	}
	if v.Country == "" {
		return Info{}, errLookupFailed
	}
	return Info{CountryCode: v.Country, Provider: firstOf(asnPrefix.ReplaceAllString(v.Org, ""))}, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return UnknownProvider
}
