package tester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/fyaix/yahaha/internal/geoip"
	"github.com/fyaix/yahaha/internal/model"
)

var (
	ErrBindTimeout = errors.New("process bind timeout")
	ErrEgressGeo   = errors.New("egress lookup failed")
)

// Runner verifies an account end to end by starting sing-box in front of it
// and asking a geolocation service where the tunnelled request came from.
type Runner struct {
	BinPath string
	TestURL string
	GeoURL  string
	Timeout time.Duration
}

func NewRunner(binPath, testURL, geoURL string, timeout time.Duration) *Runner {
	if geoURL == "" {
		geoURL = geoip.DefaultIPAPIURL
	}
	return &Runner{BinPath: binPath, TestURL: testURL, GeoURL: geoURL, Timeout: timeout}
}

// Available reports whether the sing-box binary exists.
func (r *Runner) Available() bool {
	if r == nil || r.BinPath == "" {
		return false
	}
	info, err := os.Stat(r.BinPath)
	return err == nil && !info.IsDir()
}

func (r *Runner) Verify(ctx context.Context, acc *model.Account) (Egress, error) {
	log := slog.With("target", acc.Server, "sni", acc.SNI())

	port, err := getFreePort()
	if err != nil {
		log.Error("local_port_allocation_failed", "error", err)
		return Egress{}, err
	}

	configData, err := GenerateConfig(acc, port)
	if err != nil {
		log.Debug("config_generation_failed", "error", err)
		return Egress{}, err
	}

	configName := filepath.Join(os.TempDir(), fmt.Sprintf("sb_%d.json", port))
	if err := os.WriteFile(configName, configData, 0o600); err != nil {
		return Egress{}, err
	}
	defer os.Remove(configName)

	ctx, cancel := context.WithTimeout(ctx, r.Timeout+2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.BinPath, "run", "-c", configName)
	if err := cmd.Start(); err != nil {
		log.Error("singbox_process_start_failed", "error", err)
		return Egress{}, err
	}
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
	}()

	if !waitForPort(ctx, port, 2*time.Second) {
		log.Debug("singbox_bind_timeout", "local_port", port)
		return Egress{}, ErrBindTimeout
	}

	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil, proxy.Direct)
	if err != nil {
		return Egress{}, err
	}

	start := time.Now()
	eg, err := r.ProbeThrough(ctx, dialer)
	if err != nil {
		log.Debug("http_probe_failed", "duration", time.Since(start), "error", err)
		return Egress{}, err
	}
	return eg, nil
}

// ProbeThrough fetches TestURL and then the egress geolocation over dialer.
func (r *Runner) ProbeThrough(ctx context.Context, dialer proxy.Dialer) (Egress, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:       dialContext(dialer),
			DisableKeepAlives: true,
		},
		Timeout: r.Timeout,
	}

	if err := r.reach(ctx, client); err != nil {
		return Egress{}, err
	}
	return r.egress(ctx, client)
}

func (r *Runner) reach(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.TestURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}

func (r *Runner) egress(ctx context.Context, client *http.Client) (Egress, error) {
	url := r.GeoURL + "/?fields=status,query,countryCode,isp,org"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Egress{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Egress{}, err
	}
	defer resp.Body.Close()

	var v struct {
		Status      string `json:"status"`
		Query       string `json:"query"`
		CountryCode string `json:"countryCode"`
		ISP         string `json:"isp"`
		Org         string `json:"org"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&v); err != nil {
		return Egress{}, fmt.Errorf("%w: %v", ErrEgressGeo, err)
	}
	if v.Status != "success" || v.CountryCode == "" {
		return Egress{}, fmt.Errorf("%w: status %q", ErrEgressGeo, v.Status)
	}

	provider := v.Org
	if provider == "" {
		provider = v.ISP
	}
	if provider == "" {
		provider = geoip.UnknownProvider
	}
	return Egress{IP: v.Query, Country: v.CountryCode, Provider: provider}, nil
}

func dialContext(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for time.Now().Before(deadline) && ctx.Err() == nil {
		conn, err := net.DialTimeout("tcp", address, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
