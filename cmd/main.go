package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fyaix/yahaha/internal/assembler"
	"github.com/fyaix/yahaha/internal/config"
	"github.com/fyaix/yahaha/internal/geoip"
	"github.com/fyaix/yahaha/internal/logger"
	"github.com/fyaix/yahaha/internal/model"
	"github.com/fyaix/yahaha/internal/probe"
	"github.com/fyaix/yahaha/internal/resolver"
	"github.com/fyaix/yahaha/internal/session"
	"github.com/fyaix/yahaha/internal/sink"
	"github.com/fyaix/yahaha/internal/source"
	"github.com/fyaix/yahaha/internal/telegram"
	"github.com/fyaix/yahaha/internal/tester"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("run_failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	links, err := loadLinks(ctx, cfg)
	if err != nil {
		return err
	}

	var template map[string]any
	if cfg.TemplatePath != "" {
		if template, err = assembler.LoadTemplate(cfg.TemplatePath); err != nil {
			return err
		}
	}

	// Geolocation
	var db *geoip.Database
	if cfg.GeoIPPath != "" {
		if db, err = geoip.Open(cfg.GeoIPPath); err != nil {
			slog.Warn("geoip_database_unavailable", "path", cfg.GeoIPPath, "error", err)
		} else {
			defer db.Close()
		}
	}
	geo := geoip.NewResolver(geoip.Options{
		Timeout:   cfg.GeoTimeout,
		Rate:      cfg.GeoRate,
		Providers: geoip.DefaultProviders(cfg.GeoAPIURL),
		Database:  db,
	})
	dns := resolver.NewDNS(cfg.DNSServers, cfg.DNSTimeout)

	// Sinks
	results, err := sink.NewJSONL(cfg.ResultsPath)
	if err != nil {
		return fmt.Errorf("open results: %w", err)
	}
	defer results.Close()
	live := sink.NewChan(64)

	// Tester
	opts := tester.DefaultOptions()
	opts.RetryDelay = cfg.RetryDelay
	opts.TCPTimeout = cfg.TCPTimeout
	opts.DeadAfter = cfg.DeadAfter

	at := tester.NewAccountTester(probe.NewNetwork(cfg.TCPTimeout), dns, resolver.New(geo, dns), opts).
		WithReporter(sink.Multi{results, live})
	if runner := tester.NewRunner(cfg.SingBoxPath, cfg.TestURL, cfg.GeoAPIURL, cfg.TestTimeout); runner.Available() {
		at.WithEgress(runner)
	} else {
		slog.Info("egress_verification_disabled", "sing_box_path", cfg.SingBoxPath)
	}

	asm := assembler.New()
	asm.Groups = cfg.SelectorGroups

	sess := session.New(tester.NewOrchestrator(at, cfg.Workers), asm)
	sess.Load(links, template)
	if len(sess.Accounts()) == 0 {
		return errors.New("no valid accounts to test")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watch(live.C, len(sess.Accounts()))
	}()

	start := time.Now()
	sess.Test(ctx)
	live.Close()
	wg.Wait()
	summary := sess.Summary()
	slog.Info("scan_complete", "duration", time.Since(start), "summary", summary.String())

	alive, err := sink.NewText(cfg.AlivePath)
	if err != nil {
		return fmt.Errorf("open alive list: %w", err)
	}
	var aliveLinks []string
	for _, r := range sess.Alive() {
		if err := alive.Write(r.Account); err != nil {
			alive.Close()
			return err
		}
		if r.Account.RawLink != "" {
			aliveLinks = append(aliveLinks, r.Account.RawLink)
		}
	}
	if err := alive.Close(); err != nil {
		return err
	}

	doc, err := sess.Build(template, cfg.ServerPool)
	if err != nil {
		return err
	}
	if err := assembler.WriteFile(cfg.OutputPath, doc); err != nil {
		return err
	}
	slog.Info("config_written", "path", cfg.OutputPath, "outbounds", summary.Alive)

	if n := telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID); n.Enabled() {
		if err := n.SendReport(ctx, summary.String(), aliveLinks); err != nil {
			slog.Warn("telegram_notify_failed", "error", err)
		}
	}
	return nil
}

func loadLinks(ctx context.Context, cfg *config.Config) ([]string, error) {
	var links []string
	if cfg.InputURL != "" {
		ch, err := source.LoadFromURL(ctx, cfg.InputURL, cfg.TestTimeout)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.InputURL, err)
		}
		links = append(links, source.Collect(ch)...)
	}
	if cfg.InputPath != "" {
		ch, err := source.LoadFromFile(cfg.InputPath)
		switch {
		case err == nil:
			links = append(links, source.Collect(ch)...)
		case cfg.InputURL == "" || !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("load %s: %w", cfg.InputPath, err)
		}
	}
	slog.Info("links_loaded", "count", len(links))
	return links, nil
}

// watch renders the live view: one line per finished account plus a
// running count.
func watch(updates <-chan model.TestResult, total int) {
	done := 0
	for r := range updates {
		if !r.Status.Terminal() {
			continue
		}
		done++
		sink.Log{}.Report(r)
		slog.Debug("progress", "done", done, "total", total)
	}
}
