// tick Lambda runs one scheduler cycle.
// Invoked by EventBridge on the scheduler poll interval.
package main

import (
	"context"
	"fmt"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/jonathan/pick-agent/internal/app"
	"github.com/jonathan/pick-agent/internal/config"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/scheduler"
)

var (
	deps     *app.App
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*app.App, error) {
	depsOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			depsErr = err
			return
		}
		if err := logger.Initialize(true, cfg.Debug); err != nil {
			depsErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}
		deps, depsErr = app.Build(context.Background(), cfg)
	})
	return deps, depsErr
}

func handler(ctx context.Context) (*scheduler.Summary, error) {
	a, err := getDeps()
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	return tick(ctx, a)
}

// tick runs one cycle. A read-only deployment fails with
// errors.ErrServiceUnavailable so the invocation is reported as failed.
func tick(ctx context.Context, a *app.App) (*scheduler.Summary, error) {
	if err := a.RequireWrites(); err != nil {
		return nil, err
	}

	summary, err := a.Scheduler.Tick(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger.Infow("scheduler cycle complete", "status", summary.Status, "executed", summary.ExecutedCount)
	return summary, nil
}

func main() {
	awslambda.Start(handler)
}
