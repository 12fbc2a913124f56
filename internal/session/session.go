package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fyaix/yahaha/internal/assembler"
	"github.com/fyaix/yahaha/internal/dedup"
	"github.com/fyaix/yahaha/internal/model"
	"github.com/fyaix/yahaha/internal/parser"
	"github.com/fyaix/yahaha/internal/tester"
)

// Session owns one batch: the accounts loaded, their results and the counts
// reported at the end. Callers own its lifetime.
type Session struct {
	orch *tester.Orchestrator
	asm  *assembler.Assembler

	accounts   []*model.Account
	results    []*model.TestResult
	invalid    int
	duplicates int
}

func New(orch *tester.Orchestrator, asm *assembler.Assembler) *Session {
	if asm == nil {
		asm = assembler.New()
	}
	return &Session{orch: orch, asm: asm}
}

// Load parses links, adds the accounts already present in template and
// drops duplicates. Unparseable links are counted, never fatal.
func (s *Session) Load(links []string, template map[string]any) {
	var parsed []*model.Account
	for _, raw := range links {
		acc, err := parser.ParseLink(raw)
		if err != nil {
			s.invalid++
			var pe *parser.ParseError
			if errors.As(err, &pe) {
				slog.Debug("link_invalid", "error", pe.Err)
			}
			continue
		}
		parsed = append(parsed, acc)
	}
	if template != nil {
		parsed = append(parsed, assembler.ExtractAccounts(template)...)
	}

	s.accounts = dedup.Unique(parsed)
	s.duplicates = len(parsed) - len(s.accounts)
	s.results = nil
	slog.Info("accounts_loaded",
		"accounts", len(s.accounts),
		"invalid", s.invalid,
		"duplicates", s.duplicates,
	)
}

func (s *Session) Accounts() []*model.Account { return s.accounts }

func (s *Session) Results() []*model.TestResult { return s.results }

func (s *Session) Test(ctx context.Context) []*model.TestResult {
	s.results = s.orch.RunAll(ctx, s.accounts)
	return s.results
}

// Alive returns the results that ended Alive. Dead results never qualify.
func (s *Session) Alive() []*model.TestResult {
	var alive []*model.TestResult
	for _, r := range s.results {
		if r.Status == model.StatusAlive {
			alive = append(alive, r)
		}
	}
	return alive
}

// Build assembles the alive results and merges them into template. Template
// outbounds that were tested are removed first, so alive ones appear once
// under their new tag and dead ones not at all. A nil template yields a
// document holding only the new outbounds.
func (s *Session) Build(template map[string]any, pool []string) (map[string]any, error) {
	outbounds, err := s.asm.Assemble(s.Alive(), pool)
	if err != nil {
		return nil, err
	}
	if template == nil {
		template = map[string]any{"outbounds": []any{}}
	}
	if _, ok := template["outbounds"].([]any); !ok {
		return nil, fmt.Errorf("inject outbounds: %w", assembler.ErrTemplate)
	}

	keys := make(map[string]bool, len(s.accounts))
	for _, acc := range s.accounts {
		keys[dedup.Key(acc)] = true
	}
	if n := assembler.Prune(template, keys); n > 0 {
		slog.Debug("template_outbounds_replaced", "count", n)
	}
	if err := s.asm.Inject(template, outbounds); err != nil {
		return nil, fmt.Errorf("inject outbounds: %w", err)
	}
	return template, nil
}

type Summary struct {
	Total      int
	Alive      int
	Dead       int
	Failed     int
	Invalid    int
	Duplicates int
}

func (s *Session) Summary() Summary {
	sum := Summary{Total: len(s.accounts), Invalid: s.invalid, Duplicates: s.duplicates}
	for _, r := range s.results {
		switch r.Status {
		case model.StatusAlive:
			sum.Alive++
		case model.StatusDead:
			sum.Dead++
		case model.StatusFailed:
			sum.Failed++
		}
	}
	return sum
}

func (s Summary) String() string {
	return fmt.Sprintf("%d tested: %d alive, %d dead, %d failed (%d invalid, %d duplicate links skipped)",
		s.Total, s.Alive, s.Dead, s.Failed, s.Invalid, s.Duplicates)
}
