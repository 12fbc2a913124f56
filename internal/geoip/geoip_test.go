package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlag(t *testing.T) {
	assert.Equal(t, "🇸🇬", Flag("SG"))
	assert.Equal(t, "🇮🇩", Flag("id"))
	assert.Equal(t, "❓", Flag("unknown"))
	assert.Equal(t, "❓", Flag(""))
	assert.Equal(t, "❓", Flag("1A"))
}

func TestClassify(t *testing.T) {
	assert.True(t, IsCDN("Cloudflare, Inc."))
	assert.True(t, IsCDN("Amazon.com"))
	assert.False(t, IsCDN("DigitalOcean, LLC"))
	assert.True(t, IsVPS("DigitalOcean, LLC"))
	assert.True(t, IsVPS("Hetzner Online GmbH"))
	assert.False(t, IsVPS("-"))
}

func TestLookupPrimary(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/1.2.3.4", r.URL.Path)
		assert.Contains(t, r.URL.RawQuery, "fields=status,country,countryCode,isp,org")
		w.Write([]byte(`{"status":"success","country":"Singapore","countryCode":"SG","isp":"DigitalOcean","org":""}`))
	}))
	defer srv.Close()

	r := NewResolver(Options{Providers: []Provider{IPAPI(srv.URL)}})
	info := r.Lookup(context.Background(), "1.2.3.4")
	assert.Equal(t, Info{CountryCode: "SG", Provider: "DigitalOcean"}, info)

	// second lookup is served from cache
	r.Lookup(context.Background(), "1.2.3.4")
	assert.Equal(t, int32(1), hits.Load())
}

func TestLookupFallsBackToNextProvider(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer failing.Close()

	who := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"country_code":"JP","connection":{"org":"Vultr Holdings","isp":"Choopa"}}`))
	}))
	defer who.Close()

	r := NewResolver(Options{Providers: []Provider{IPAPI(failing.URL), IPWho(who.URL)}})
	info := r.Lookup(context.Background(), "5.6.7.8")
	assert.Equal(t, "JP", info.CountryCode)
	assert.Equal(t, "Vultr Holdings", info.Provider)
}

func TestLookupIPInfoStripsASN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/json"))
		w.Write([]byte(`{"country":"DE","org":"AS24940 Hetzner Online GmbH"}`))
	}))
	defer srv.Close()

	r := NewResolver(Options{Providers: []Provider{IPInfo(srv.URL)}})
	info := r.Lookup(context.Background(), "9.9.9.9")
	assert.Equal(t, Info{CountryCode: "DE", Provider: "Hetzner Online GmbH"}, info)
}

func TestLookupUnknownOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewResolver(Options{Providers: []Provider{IPAPI(srv.URL)}})
	info := r.Lookup(context.Background(), "1.1.1.1")
	assert.Equal(t, Unknown(), info)
	assert.False(t, info.Known())

	assert.Equal(t, Unknown(), r.Lookup(context.Background(), ""))
}

func TestLookupTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewResolver(Options{Timeout: 100 * time.Millisecond, Providers: []Provider{IPAPI(srv.URL)}})
	start := time.Now()
	info := r.Lookup(context.Background(), "1.1.1.1")
	assert.Equal(t, Unknown(), info)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLookupChainSharesOneDeadline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewResolver(Options{
		Timeout:   150 * time.Millisecond,
		Providers: []Provider{IPAPI(srv.URL), IPWho(srv.URL), IPInfo(srv.URL)},
	})
	start := time.Now()
	info := r.Lookup(context.Background(), "1.1.1.1")
	assert.Equal(t, Unknown(), info)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestLookupRateWaitWithinDeadline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewResolver(Options{
		Timeout:   200 * time.Millisecond,
		Rate:      0.1,
		Providers: []Provider{IPAPI(srv.URL), IPWho(srv.URL)},
	})
	start := time.Now()
	assert.Equal(t, Unknown(), r.Lookup(context.Background(), "8.8.8.8"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestProviderFallsBackToISP(t *testing.T) {
	info, err := decodeIPAPI([]byte(`{"status":"success","countryCode":"US","isp":"Cloudflare","org":""}`))
	require.NoError(t, err)
	assert.Equal(t, "Cloudflare", info.Provider)

	info, err = decodeIPAPI([]byte(`{"status":"success","countryCode":"US"}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownProvider, info.Provider)
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	_, ok := db.Country("1.1.1.1")
	assert.False(t, ok)
	db.Close()
}
