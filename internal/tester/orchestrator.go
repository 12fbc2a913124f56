package tester

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/fyaix/yahaha/internal/model"
)

const DefaultWorkers = 5

// Orchestrator tests a batch on a fixed-size worker pool. Each result is
// written only by the worker that owns its index.
type Orchestrator struct {
	tester  *AccountTester
	workers int
}

func NewOrchestrator(t *AccountTester, workers int) *Orchestrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Orchestrator{tester: t, workers: workers}
}

// RunAll returns one result per account at the account's index. Results are
// published in Waiting before any work starts. Accounts not yet dispatched
// when ctx ends stay Waiting.
func (o *Orchestrator) RunAll(ctx context.Context, accounts []*model.Account) []*model.TestResult {
	results := make([]*model.TestResult, len(accounts))
	for i, acc := range accounts {
		results[i] = model.NewTestResult(i, acc)
		o.tester.reporter.Report(results[i].Snapshot())
	}
	if len(results) == 0 {
		return results
	}

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(o.workers, func(arg interface{}) {
		defer wg.Done()
		o.run(ctx, arg.(*model.TestResult))
	})
	if err != nil {
		slog.Error("worker_pool_init_failed", "error", err)
		for _, res := range results {
			o.tester.set(res, model.StatusFailed)
		}
		return results
	}
	defer pool.Release()

	for _, res := range results {
		if ctx.Err() != nil {
			slog.Warn("dispatch_cancelled", "remaining", len(results)-res.Index)
			break
		}
		wg.Add(1)
		if err := pool.Invoke(res); err != nil {
			wg.Done()
			slog.Error("dispatch_failed", "index", res.Index, "error", err)
			o.tester.set(res, model.StatusFailed)
		}
	}

	wg.Wait()
	return results
}

func (o *Orchestrator) run(ctx context.Context, res *model.TestResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("account_test_panic", "index", res.Index, "panic", r)
			o.tester.set(res, model.StatusFailed)
		}
	}()
	o.tester.Test(ctx, res)
}
