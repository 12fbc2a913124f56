package tester

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fyaix/yahaha/internal/model"
	"github.com/fyaix/yahaha/internal/probe"
	"github.com/fyaix/yahaha/internal/resolver"
)

const (
	MethodPing   = "ping"
	MethodEgress = "egress"
)

// Reporter receives a copy of a result on every status change.
type Reporter interface {
	Report(model.TestResult)
}

type ReporterFunc func(model.TestResult)

func (f ReporterFunc) Report(r model.TestResult) { f(r) }

type nopReporter struct{}

func (nopReporter) Report(model.TestResult) {}

type Locator interface {
	Resolve(ctx context.Context, acc *model.Account) resolver.Location
}

type SystemResolver interface {
	LookupSystem(ctx context.Context, host string) []string
}

// EgressVerifier tunnels through the account and reports where traffic
// actually leaves.
type EgressVerifier interface {
	Verify(ctx context.Context, acc *model.Account) (Egress, error)
}

type Egress struct {
	IP       string
	Country  string
	Provider string
}

type Options struct {
	Attempts    int
	DeadAfter   int // consecutive failed connects that mark an account dead; 0 disables
	RetryDelay  time.Duration
	TCPTimeout  time.Duration
	PingSamples int
	// LocatedSamples is the number of connects made to a located address
	// that differs from the probed one.
	LocatedSamples int
}

func DefaultOptions() Options {
	return Options{
		Attempts:    3,
		DeadAfter:   3,
		RetryDelay:  1500 * time.Millisecond,
		TCPTimeout:  5 * time.Second,
		PingSamples: 4,

		LocatedSamples: 3,
	}
}

// AccountTester drives one result from Waiting to a terminal status.
type AccountTester struct {
	prober   probe.Prober
	dns      SystemResolver
	locator  Locator
	egress   EgressVerifier
	reporter Reporter
	opts     Options

	sleep func(ctx context.Context, d time.Duration) error
}

func NewAccountTester(prober probe.Prober, dns SystemResolver, locator Locator, opts Options) *AccountTester {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.PingSamples <= 0 {
		opts.PingSamples = 4
	}
	return &AccountTester{
		prober:   prober,
		dns:      dns,
		locator:  locator,
		reporter: nopReporter{},
		opts:     opts,
		sleep:    sleepCtx,
	}
}

func (t *AccountTester) WithReporter(r Reporter) *AccountTester {
	if r != nil {
		t.reporter = r
	}
	return t
}

// WithEgress enables tunnel verification before heuristic location.
func (t *AccountTester) WithEgress(v EgressVerifier) *AccountTester {
	t.egress = v
	return t
}

type Target struct {
	IP     string
	Port   int
	Source string
}

// Target picks the address to probe: an IP embedded in the path, then the
// Host header, the SNI and finally the server, each resolved through the OS.
func (t *AccountTester) Target(ctx context.Context, acc *model.Account) (Target, bool) {
	if ip, port, ok := acc.EmbeddedIP(); ok {
		return Target{IP: ip, Port: port, Source: "path"}, true
	}

	server, host, sni := acc.Server, acc.HostHeader(), acc.SNI()
	var names []Target
	if host != "" && host != server {
		names = append(names, Target{IP: host, Source: "host"})
	}
	if sni != "" && sni != server && sni != host {
		names = append(names, Target{IP: sni, Source: "sni"})
	}
	names = append(names, Target{IP: server, Source: "server"})

	for _, c := range names {
		if ip := net.ParseIP(c.IP); ip != nil {
			return Target{IP: c.IP, Port: acc.Port, Source: c.Source}, true
		}
		if ips := t.dns.LookupSystem(ctx, c.IP); len(ips) > 0 {
			return Target{IP: ips[0], Port: acc.Port, Source: c.Source}, true
		}
	}
	return Target{}, false
}

func (t *AccountTester) Test(ctx context.Context, res *model.TestResult) {
	acc := res.Account
	log := slog.With("index", res.Index, "server", acc.Server, "protocol", acc.Protocol)

	target, ok := t.Target(ctx, acc)
	if !ok {
		log.Debug("no_test_target")
		t.set(res, model.StatusFailed)
		return
	}
	log = log.With("target", net.JoinHostPort(target.IP, strconv.Itoa(target.Port)), "source", target.Source)

	for attempt := 0; attempt < t.opts.Attempts; attempt++ {
		res.Retry = attempt
		t.set(res, model.StatusProbing)

		if alive, latency := t.prober.TCP(ctx, target.IP, target.Port, t.opts.TCPTimeout); alive {
			res.Latency = latency
			res.Jitter = 0
			res.ICMP = "✔"
			res.TestType = strings.ToUpper(target.Source) + " TCP"
			res.TestedIP = target.IP
			t.enrich(ctx, res, false)
			log.Debug("account_alive", "latency_ms", latency)
			t.set(res, model.StatusAlive)
			return
		}

		res.TimeoutCount++
		if t.opts.DeadAfter > 0 && res.TimeoutCount >= t.opts.DeadAfter {
			res.Latency = model.Unmeasured
			res.TestType = "Dead Connection"
			log.Debug("account_dead", "timeouts", res.TimeoutCount)
			t.set(res, model.StatusDead)
			return
		}

		if attempt < t.opts.Attempts-1 {
			t.set(res, model.StatusRetryPending)
			if err := t.sleep(ctx, t.opts.RetryDelay); err != nil {
				t.set(res, model.StatusFailed)
				return
			}
		}
	}

	for attempt := 0; attempt < t.opts.Attempts; attempt++ {
		res.Retry = attempt
		t.set(res, model.StatusProbing)

		if st := t.prober.Ping(ctx, target.IP, t.opts.PingSamples); st.OK() {
			res.Latency = st.Latency
			res.Jitter = st.Jitter
			res.ICMP = st.ICMP()
			res.TestType = strings.ToUpper(target.Source) + " Ping"
			res.TestedIP = target.IP
			res.Method = MethodPing
			t.enrich(ctx, res, true)
			log.Debug("account_alive_by_ping", "latency_ms", st.Latency)
			t.set(res, model.StatusAlive)
			return
		}

		if attempt < t.opts.Attempts-1 {
			t.set(res, model.StatusRetryPending)
			if err := t.sleep(ctx, t.opts.RetryDelay); err != nil {
				break
			}
		}
	}

	res.Retry = t.opts.Attempts
	log.Debug("account_failed")
	t.set(res, model.StatusFailed)
}

// enrich fills location fields. It never changes the status.
func (t *AccountTester) enrich(ctx context.Context, res *model.TestResult, keepMethod bool) {
	acc := res.Account
	if t.egress != nil {
		eg, err := t.egress.Verify(ctx, acc)
		if err == nil && eg.Country != "" {
			res.Country = eg.Country
			res.Provider = eg.Provider
			res.TestedIP = eg.IP
			if !keepMethod {
				res.Method = MethodEgress
			}
			return
		}
		slog.Debug("egress_verify_failed", "server", acc.Server, "error", err)
	}

	if t.locator == nil {
		return
	}
	loc := t.locator.Resolve(ctx, acc)
	if !keepMethod {
		res.Method = loc.Method
	}
	if loc.Method == resolver.MethodUnresolved {
		return
	}
	probed := res.TestedIP
	res.Country = loc.Country
	res.Provider = loc.Provider
	res.TestedIP = loc.TestedIP

	if keepMethod || t.opts.LocatedSamples <= 0 || loc.TestedIP == probed || net.ParseIP(loc.TestedIP) == nil {
		return
	}
	port := acc.Port
	if _, p, ok := acc.EmbeddedIP(); ok {
		port = p
	}
	if st := t.prober.Sample(ctx, loc.TestedIP, port, t.opts.LocatedSamples, t.opts.TCPTimeout); st.OK() {
		res.Latency = st.Latency
		res.Jitter = st.Jitter
	}
}

func (t *AccountTester) set(res *model.TestResult, s model.Status) {
	res.Status = s
	t.reporter.Report(res.Snapshot())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
